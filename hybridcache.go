package hybridcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hupe1980/hybridcache/blobstore"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/internal/cleanup"
	"github.com/hupe1980/hybridcache/internal/existence"
	"github.com/hupe1980/hybridcache/internal/issues"
	"github.com/hupe1980/hybridcache/internal/lockfile"
	"github.com/hupe1980/hybridcache/internal/resource"
	"github.com/hupe1980/hybridcache/internal/writequeue"
	"github.com/hupe1980/hybridcache/metastore"
)

// ExistenceSnapshotName is the file Stop writes the existence bitmap to.
const ExistenceSnapshotName = "existence.roaring"

// Status tells where GetOrCreate found the bytes.
type Status int

const (
	// StatusMiss means the producer ran.
	StatusMiss Status = iota
	// StatusHit means the bytes came from the blob store.
	StatusHit
	// StatusPendingHit means the bytes were still waiting in the write queue.
	StatusPendingHit
)

func (s Status) String() string {
	switch s {
	case StatusMiss:
		return "miss"
	case StatusHit:
		return "hit"
	case StatusPendingHit:
		return "pending_hit"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Producer computes the bytes for key. It must honor ctx and be
// deterministic: the same key always yields the same bytes.
type Producer func(ctx context.Context, key cachekey.Key) (contentType string, data []byte, err error)

// Result is the answer of GetOrCreate. Data is shared and must not be
// modified.
type Result struct {
	Data        []byte
	ContentType string
	Status      Status
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hits         int64 `json:"hits"`
	PendingHits  int64 `json:"pending_hits"`
	Misses       int64 `json:"misses"`
	Productions  int64 `json:"productions"`
	QueuedBytes  int64 `json:"queued_bytes"`
	QueuedItems  int   `json:"queued_items"`
	TrackedBytes int64 `json:"tracked_bytes"`
	Entries      int   `json:"entries"`
	Evictions    int64 `json:"evictions"`
	EvictedBytes int64 `json:"evicted_bytes"`
	SyncWrites   int64 `json:"sync_writes"`
	DroppedWrite int64 `json:"dropped_writes"`
	FailedWrites int64 `json:"failed_writes"`
	Issues       int   `json:"issues"`
	HotHits      int64 `json:"hot_hits"`
	HotMisses    int64 `json:"hot_misses"`
	HotBytes     int64 `json:"hot_bytes"`
}

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

// Cache is the hybrid persistent blob cache.
type Cache struct {
	cfg     Config
	logger  *Logger
	metrics MetricsCollector
	clock   func() time.Time
	issues  *issues.List

	lifecycle sync.Mutex
	state     atomic.Int32

	// Set by Start.
	meta     metastore.Store
	ownsMeta bool
	blobs    blobstore.Store
	hot      *blobstore.CachingStore
	exist    *existence.Index
	queue    *writequeue.Queue
	cleaner  *cleanup.Manager
	lock     *lockfile.Lock

	group singleflight.Group
	ops   inflight

	hits, pendingHits, misses, productions atomic.Int64
	evictions, evictedBytes                atomic.Int64
}

// Open validates the configuration and returns a Cache. No I/O happens
// until Start.
func Open(optFns ...Option) (*Cache, error) {
	o := options{
		cfg:              DefaultConfig(),
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		clock:            time.Now,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.cfg.RootDir == "" && (o.metaStore == nil || o.blobStore == nil) {
		return nil, fmt.Errorf("%w: root dir is required unless both stores are supplied", ErrInvalidConfig)
	}

	list := issues.New(o.cfg.MaxIssues)
	list.SetClock(o.clock)

	return &Cache{
		cfg:     o.cfg,
		logger:  o.logger,
		metrics: o.metricsCollector,
		clock:   o.clock,
		issues:  list,
		meta:    o.metaStore,
		blobs:   o.blobStore,
	}, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// Start takes the root lock, replays the metastore, restores the existence
// bitmap and launches the write workers and the cleanup loop.
func (c *Cache) Start(ctx context.Context) (err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.state.Load() {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrClosed
	}

	defer func() {
		if err != nil {
			c.abortStart()
		}
	}()

	if c.cfg.RootDir != "" {
		if c.lock, err = lockfile.Acquire(c.cfg.RootDir); err != nil {
			return err
		}
	}

	if c.meta == nil {
		if err = c.openFileStore(ctx); err != nil {
			return err
		}
	}

	if c.blobs == nil {
		c.blobs = blobstore.NewLocalStore(c.cfg.RootDir)
	}
	if c.cfg.MemoryCacheBytes > 0 {
		c.hot = blobstore.NewCachingStore(c.blobs, c.cfg.MemoryCacheBytes, 0)
		c.blobs = c.hot
	}

	if err = c.restoreExistence(ctx); err != nil {
		return err
	}

	res := resource.NewController(resource.Config{
		QueueLimitBytes:    c.cfg.MaxQueuedBytes,
		MaxWriters:         int64(c.cfg.WriteWorkers),
		IOLimitBytesPerSec: c.cfg.IOLimitBytesPerSec,
	})
	c.queue, err = writequeue.New(writequeue.Config{
		Blobs:                      c.blobs,
		Meta:                       c.meta,
		Existence:                  c.exist,
		Resources:                  res,
		Workers:                    c.cfg.WriteWorkers,
		WriteSynchronouslyWhenFull: c.cfg.WriteSynchronouslyWhenFull,
		Locate:                     c.locate,
		OnDone:                     c.onWriteDone,
		Clock:                      c.clock,
		Logger:                     c.logger.Logger,
	})
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if c.cfg.DeleteRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.DeleteRateLimit), max(1, int(c.cfg.DeleteRateLimit)))
	}
	c.cleaner, err = cleanup.New(cleanup.Config{
		Meta:            c.meta,
		Blobs:           c.blobs,
		MaxCacheBytes:   c.cfg.MaxCacheBytes,
		MinCleanupBytes: c.cfg.MinCleanupBytes,
		MinAgeToDelete:  c.cfg.MinAgeToDelete,
		Interval:        c.cfg.CleanupInterval,
		DeleteLimiter:   limiter,
		Clock:           c.clock,
		Logger:          c.logger.Logger,
		OnVictimError: func(e metastore.Entry, err error) {
			c.issues.Add(issues.KindEviction, &EvictionError{Key: e.Key, Path: e.Location.Path, Err: err})
		},
		OnRun: c.onCleanupRun,
	})
	if err != nil {
		return err
	}

	c.queue.Start()
	c.cleaner.Start()
	c.state.Store(stateStarted)

	c.logger.InfoContext(ctx, "cache started",
		"root", c.cfg.RootDir,
		"entries", c.meta.Len(),
		"tracked_bytes", c.meta.TotalBytes(),
	)
	return nil
}

func (c *Cache) openFileStore(ctx context.Context) error {
	fsStore, err := metastore.OpenFileStore(ctx, c.cfg.RootDir, metastore.FileOptions{
		ShardCount:            c.cfg.ShardCount,
		FlushInterval:         c.cfg.FlushInterval,
		MaxLogFiles:           c.cfg.MaxLogFiles,
		MaxSegmentBytes:       c.cfg.MaxSegmentBytes,
		AccessTimeGranularity: c.cfg.AccessTimeGranularity,
		Compression:           c.cfg.SnapshotCompression,
		Logger:                c.logger.Logger,
		OnError: func(shard int, err error) {
			c.issues.Add(issues.KindFlush, fmt.Errorf("shard %d: %w", shard, err))
		},
	})
	if errors.Is(err, metastore.ErrLayoutMismatch) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}

	for _, rep := range fsStore.Replay() {
		c.logger.LogReplay(ctx, rep.Shard, rep.Stats.Records, rep.Stats.DiscardedBytes, nil)
		for _, cs := range rep.Stats.Corrupt {
			c.issues.Add(issues.KindReplay, &ReplayCorruptionError{
				Shard:     rep.Shard,
				Path:      cs.Path,
				Offset:    cs.Offset,
				Discarded: cs.Discarded,
				Err:       cs.Err,
			})
		}
		if rep.Malformed > 0 {
			c.issues.Record(issues.KindReplay, fmt.Sprintf("replay shard %d: %d malformed records skipped", rep.Shard, rep.Malformed))
		}
	}

	c.meta = fsStore
	c.ownsMeta = true
	return nil
}

// restoreExistence loads the bitmap saved by the last clean Stop, or
// rebuilds it from the metastore. The snapshot is consumed so that a crash
// after Start can never restore a stale bitmap.
func (c *Cache) restoreExistence(ctx context.Context) error {
	if c.cfg.RootDir != "" {
		path := filepath.Join(c.cfg.RootDir, ExistenceSnapshotName)
		snap, err := existence.LoadSnapshot(path)
		switch {
		case err == nil && snap.Len() == c.cfg.ExistenceBits:
			if rerr := os.Remove(path); rerr != nil {
				c.issues.Add(issues.KindSnapshot, rerr)
			} else {
				c.exist = snap
				c.logger.DebugContext(ctx, "existence snapshot restored", "bits_set", snap.Count())
				return nil
			}
		case err == nil:
			c.logger.InfoContext(ctx, "existence snapshot size changed, rebuilding",
				"snapshot_bits", snap.Len(), "bits", c.cfg.ExistenceBits)
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			c.issues.Add(issues.KindSnapshot, err)
			_ = os.Remove(path)
		}
	}

	exist, err := existence.New(c.cfg.ExistenceBits)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// One private bitmap per partition, merged into the shared one.
	g, gctx := errgroup.WithContext(ctx)
	for p := range c.meta.Partitions() {
		g.Go(func() error {
			local, err := existence.New(c.cfg.ExistenceBits)
			if err != nil {
				return err
			}
			err = c.meta.RangePartition(gctx, p, func(e metastore.Entry) bool {
				local.Set(local.Bucket(e.Key.Hash64()), true)
				return true
			})
			if err != nil {
				return fmt.Errorf("rebuild existence partition %d: %w", p, err)
			}
			return exist.MergeTrueBitsFrom(local)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.exist = exist
	return nil
}

// abortStart releases what a failed Start acquired.
func (c *Cache) abortStart() {
	if c.ownsMeta && c.meta != nil {
		_ = c.meta.Close()
		c.meta = nil
		c.ownsMeta = false
	}
	if c.hot != nil {
		c.blobs = c.hot.Inner()
		c.hot = nil
	}
	if c.lock != nil {
		_ = c.lock.Unlock()
		c.lock = nil
	}
}

func (c *Cache) locate(key cachekey.Key) metastore.BlobLocation {
	return metastore.Locate(metastore.ShardOf(key, c.cfg.ShardCount), key)
}

func (c *Cache) started() error {
	switch c.state.Load() {
	case stateStarted:
		return nil
	case stateStopped:
		return ErrClosed
	default:
		return ErrNotStarted
	}
}

// GetOrCreate returns the bytes for key, running producer on a miss.
//
// Concurrent calls for the same key share one producer invocation. The
// produced bytes are returned before they are persisted; persistence
// failures are recorded in Issues and never returned. The only error for a
// started cache is a *ProductionError.
func (c *Cache) GetOrCreate(ctx context.Context, key cachekey.Key, producer Producer) (Result, error) {
	if err := c.started(); err != nil {
		return Result{}, err
	}
	if !c.ops.enter(false) {
		return Result{}, ErrClosed
	}
	defer c.ops.exit()
	start := time.Now()

	if res, ok := c.lookup(ctx, key); ok {
		c.recordLookup(res.Status, time.Since(start))
		return res, nil
	}

	name := string(key[:])
	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(name, func() (any, error) {
			return c.produce(ctx, key, producer)
		})

		select {
		case <-ctx.Done():
			return Result{}, &ProductionError{Key: key, Err: ctx.Err()}
		case r := <-ch:
			if r.Err != nil {
				// The leader was cancelled but this caller was not.
				if attempt == 0 && r.Shared && ctx.Err() == nil && isCancellation(r.Err) {
					continue
				}
				return Result{}, r.Err
			}
			res := r.Val.(Result)
			c.recordLookup(res.Status, time.Since(start))
			return res, nil
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) recordLookup(status Status, d time.Duration) {
	switch status {
	case StatusHit:
		c.hits.Add(1)
	case StatusPendingHit:
		c.pendingHits.Add(1)
	default:
		c.misses.Add(1)
	}
	c.metrics.RecordLookup(status, d)
}

// produce runs under the single-flight guard for key.
func (c *Cache) produce(ctx context.Context, key cachekey.Key, producer Producer) (any, error) {
	// A previous leader may have finished between our lookup and the guard.
	if res, ok := c.lookup(ctx, key); ok {
		return res, nil
	}

	start := time.Now()
	contentType, data, err := producer(ctx, key)
	c.metrics.RecordProduce(time.Since(start), err)
	if err != nil {
		return nil, &ProductionError{Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ProductionError{Key: key, Err: err}
	}
	c.productions.Add(1)
	res := Result{Data: data, ContentType: contentType, Status: StatusMiss}

	// The caller may have left; a producer finishing after Stop has
	// stopped waiting must not persist.
	if !c.ops.enter(true) {
		return res, nil
	}
	defer c.ops.exit()

	outcome, err := c.queue.Enqueue(ctx, key, contentType, data)
	if err != nil && outcome != writequeue.WroteSynchronously {
		// Synchronous failures were already reported through onWriteDone.
		c.issues.Add(issues.KindPersistence, &PersistenceError{Key: key, Err: err})
	}
	c.metrics.RecordQueue(c.queue.QueuedBytes(), c.queue.Len())

	return res, nil
}

// lookup checks the write queue, the existence bitmap, the metastore and
// the blob store, in that order. Any failure is a miss.
func (c *Cache) lookup(ctx context.Context, key cachekey.Key) (Result, bool) {
	if w, ok := c.queue.Get(key); ok {
		return Result{Data: w.Data, ContentType: w.ContentType, Status: StatusPendingHit}, true
	}

	if !c.exist.Get(c.exist.Bucket(key.Hash64())) {
		return Result{}, false
	}

	e, ok, err := c.meta.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "metastore lookup failed", "key", key.String(), "error", err)
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}

	data, err := c.blobs.Get(ctx, e.Location.Path)
	if err != nil || int64(len(data)) != e.Size {
		c.logger.WarnContext(ctx, "indexed blob unreadable, recomputing",
			"key", key.String(),
			"path", e.Location.Path,
			"size", e.Size,
			"read", len(data),
			"error", err,
		)
		return Result{}, false
	}

	if err := c.meta.Touch(ctx, key, c.clock()); err != nil {
		c.logger.DebugContext(ctx, "touch failed", "key", key.String(), "error", err)
	}
	return Result{Data: data, ContentType: e.ContentType, Status: StatusHit}, true
}

// Lookup returns cached bytes without producing. It returns ErrNotFound on
// a miss.
func (c *Cache) Lookup(ctx context.Context, key cachekey.Key) (Result, error) {
	if err := c.started(); err != nil {
		return Result{}, err
	}
	res, ok := c.lookup(ctx, key)
	if !ok {
		return Result{}, ErrNotFound
	}
	return res, nil
}

// Contains reports the existence pre-check for key. False means the key is
// definitely not persisted; true may be a false positive.
func (c *Cache) Contains(key cachekey.Key) bool {
	if c.started() != nil {
		return false
	}
	return c.exist.Get(c.exist.Bucket(key.Hash64()))
}

// Cleanup runs one eviction pass now.
func (c *Cache) Cleanup(ctx context.Context) (cleanup.Result, error) {
	if err := c.started(); err != nil {
		return cleanup.Result{}, err
	}
	return c.cleaner.RunOnce(ctx)
}

// Issues returns the collected non-fatal problems, most recent first.
func (c *Cache) Issues() []issues.Issue {
	return c.issues.Snapshot()
}

// Stats returns a point-in-time view of the cache.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:         c.hits.Load(),
		PendingHits:  c.pendingHits.Load(),
		Misses:       c.misses.Load(),
		Productions:  c.productions.Load(),
		Evictions:    c.evictions.Load(),
		EvictedBytes: c.evictedBytes.Load(),
		Issues:       c.issues.Len(),
	}
	if c.state.Load() != stateStarted {
		return s
	}
	qs := c.queue.Stats()
	s.QueuedBytes = c.queue.QueuedBytes()
	s.QueuedItems = c.queue.Len()
	s.SyncWrites = qs.SyncWrites
	s.DroppedWrite = qs.Dropped
	s.FailedWrites = qs.Failed
	s.TrackedBytes = c.meta.TotalBytes()
	s.Entries = c.meta.Len()
	if c.hot != nil {
		s.HotHits, s.HotMisses, s.HotBytes = c.hot.Stats()
	}
	return s
}

func (c *Cache) onWriteDone(w *writequeue.Write, d time.Duration, err error) {
	ctx := context.Background()
	c.metrics.RecordWrite(w.Size(), d, err)
	c.logger.LogWrite(ctx, w.Key, w.Size(), err)
	if err != nil {
		c.issues.Add(issues.KindPersistence, &PersistenceError{Key: w.Key, Err: err})
		return
	}
	if c.cfg.MaxCacheBytes > 0 && c.meta.TotalBytes() >= c.cfg.MaxCacheBytes {
		c.cleaner.Kick()
	}
}

func (c *Cache) onCleanupRun(r cleanup.Result, err error) {
	c.evictions.Add(int64(r.Victims))
	c.evictedBytes.Add(r.FreedBytes)
	c.metrics.RecordEviction(r.Victims, r.FreedBytes)
	c.logger.LogEviction(context.Background(), r.Victims, r.FreedBytes, err)
}

// Stop halts cleanup, waits for running GetOrCreate calls and drains the
// write queue within ShutdownTimeout, flushes the metastore, saves the
// existence bitmap and releases the root lock. If calls are still running
// when the timeout expires the bitmap is not saved. The cache cannot be
// restarted.
func (c *Cache) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.state.Load() {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrClosed
	}
	c.state.Store(stateStopped)
	idle := c.ops.close()

	c.cleaner.Stop()

	drainCtx := ctx
	if c.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}

	// Running calls may still enqueue or write synchronously; the bitmap
	// is only saved once they are done.
	var opsErr error
	select {
	case <-idle:
	case <-drainCtx.Done():
		opsErr = drainCtx.Err()
	}

	dropped, drainErr := c.queue.Stop(drainCtx)
	c.logger.LogShutdown(ctx, c.queue.Stats().Persisted, dropped, drainErr)

	var errs []error
	if opsErr != nil {
		errs = append(errs, fmt.Errorf("wait for running operations: %w", opsErr))
	}
	if drainErr != nil {
		errs = append(errs, fmt.Errorf("drain write queue: %w", drainErr))
	}
	if err := c.meta.Flush(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("flush metastore: %w", err))
	}

	switch {
	case c.cfg.RootDir == "":
	case opsErr != nil:
		// Without a snapshot the next Start rebuilds the bitmap.
		c.logger.WarnContext(ctx, "existence snapshot skipped, operations still running")
	default:
		path := filepath.Join(c.cfg.RootDir, ExistenceSnapshotName)
		if err := c.exist.SaveSnapshot(path); err != nil {
			errs = append(errs, err)
		}
	}

	if c.ownsMeta {
		if err := c.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metastore: %w", err))
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
