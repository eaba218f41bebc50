// Package cleanup enforces the cache size ceiling.
//
// A Manager periodically compares the bytes tracked by the metastore with
// the ceiling. Once the ceiling is reached it walks entries least recently
// used first, skips entries younger than the minimum age, and deletes blob
// then entry until at least the minimum batch has been freed. Existence
// bits are left set; a stale bit only costs one metastore lookup.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/hybridcache/blobstore"
	"github.com/hupe1980/hybridcache/metastore"
)

// DefaultInterval is the loop period used when Config.Interval is zero.
const DefaultInterval = time.Minute

// Config configures a Manager.
type Config struct {
	Meta  metastore.Store
	Blobs blobstore.Store

	// MaxCacheBytes is the size ceiling. Zero disables eviction.
	MaxCacheBytes int64
	// MinCleanupBytes is the least a run frees once it starts evicting.
	MinCleanupBytes int64
	// MinAgeToDelete protects entries created less than this long ago.
	MinAgeToDelete time.Duration

	Interval time.Duration

	// DeleteLimiter throttles blob deletes. Optional.
	DeleteLimiter *rate.Limiter

	Clock  func() time.Time
	Logger *slog.Logger

	// OnVictimError is called for every victim that could not be removed.
	OnVictimError func(e metastore.Entry, err error)
	// OnRun is called after every run.
	OnRun func(r Result, err error)
}

// Result summarizes one run.
type Result struct {
	Victims    int   `json:"victims"`
	FreedBytes int64 `json:"freed_bytes"`
	// Skipped counts candidates too young to delete or changed meanwhile.
	Skipped int `json:"skipped"`
	// Failed counts victims whose blob or entry could not be deleted.
	Failed int `json:"failed"`
}

// Manager is the background eviction loop.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	runMu sync.Mutex // one run at a time

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Manager. Start launches the loop.
func New(cfg Config) (*Manager, error) {
	if cfg.Meta == nil || cfg.Blobs == nil {
		return nil, errors.New("cleanup: metastore and blob store are required")
	}
	if cfg.MaxCacheBytes < 0 || cfg.MinCleanupBytes < 0 || cfg.MinAgeToDelete < 0 {
		return nil, errors.New("cleanup: negative limit")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the background loop. Calling it again is a no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.loop()
	})
}

// Stop halts the loop and waits for a running pass to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		started := true
		m.startOnce.Do(func() { started = false })
		if started {
			<-m.done
		}
	})
}

// Kick requests a run without waiting for the next tick. It never blocks.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.kick:
		}
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("cleanup run failed", "error", err)
		}
	}
}

// RunOnce performs a single eviction pass.
//
// Eviction starts once the tracked bytes reach MaxCacheBytes and frees at
// least max(MinCleanupBytes, excess) bytes, or everything eligible.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	res, err := m.run(ctx)
	if m.cfg.OnRun != nil {
		m.cfg.OnRun(res, err)
	}
	return res, err
}

func (m *Manager) run(ctx context.Context) (Result, error) {
	var res Result

	total := m.cfg.Meta.TotalBytes()
	if m.cfg.MaxCacheBytes <= 0 || total < m.cfg.MaxCacheBytes {
		return res, nil
	}
	target := max(m.cfg.MinCleanupBytes, total-m.cfg.MaxCacheBytes)

	candidates, err := m.cfg.Meta.EvictionCandidates(ctx)
	if err != nil {
		return res, fmt.Errorf("cleanup: list candidates: %w", err)
	}

	now := m.cfg.Clock()
	for _, c := range candidates {
		if res.FreedBytes >= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if now.Sub(c.CreatedAt) < m.cfg.MinAgeToDelete {
			res.Skipped++
			continue
		}

		ok, err := m.evict(ctx, c)
		switch {
		case err != nil:
			res.Failed++
			m.logger.Warn("evict failed", "key", c.Key, "path", c.Location.Path, "error", err)
			if m.cfg.OnVictimError != nil {
				m.cfg.OnVictimError(c, err)
			}
		case !ok:
			res.Skipped++
		default:
			res.Victims++
			res.FreedBytes += c.Size
		}
	}

	m.logger.Debug("cleanup run",
		"total", total, "target", target,
		"victims", res.Victims, "freed", res.FreedBytes,
		"skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// evict removes the blob and then the entry of c. It reports false when the
// entry was replaced or removed since the candidates were listed.
func (m *Manager) evict(ctx context.Context, c metastore.Entry) (bool, error) {
	cur, ok, err := m.cfg.Meta.Get(ctx, c.Key)
	if err != nil {
		return false, err
	}
	if !ok || !cur.CreatedAt.Equal(c.CreatedAt) {
		return false, nil
	}

	if l := m.cfg.DeleteLimiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			return false, err
		}
	}
	if err := m.cfg.Blobs.Delete(ctx, c.Location.Path); err != nil {
		return false, fmt.Errorf("delete blob: %w", err)
	}
	if err := m.cfg.Meta.Delete(ctx, c.Key); err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return true, nil
}
