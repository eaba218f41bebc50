package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/internal/fs"
	"github.com/hupe1980/hybridcache/internal/wal"
	"golang.org/x/sync/errgroup"
)

// FileOptions configures a FileStore.
type FileOptions struct {
	// ShardCount is the number of keyspace partitions. It is recorded in
	// the root on first open; reopening with another count fails with
	// ErrLayoutMismatch.
	ShardCount int

	// FlushInterval is the period of each shard's background log flush.
	// Zero flushes after every mutation.
	FlushInterval time.Duration

	// MaxLogFiles triggers a checkpoint once a shard has more segments.
	MaxLogFiles int

	// MaxSegmentBytes is the segment rotation threshold.
	MaxSegmentBytes int64

	// AccessTimeGranularity gates Touch records in the log.
	AccessTimeGranularity time.Duration

	// Compression is the checkpoint snapshot codec.
	Compression wal.Compression

	FS     fs.FileSystem
	Logger *slog.Logger

	// OnError receives background failures (flush, checkpoint). It may be
	// called concurrently.
	OnError func(shard int, err error)
}

// DefaultFileOptions returns the default FileStore configuration.
func DefaultFileOptions() FileOptions {
	return FileOptions{
		ShardCount:            16,
		FlushInterval:         time.Second,
		MaxLogFiles:           8,
		MaxSegmentBytes:       wal.DefaultMaxSegmentBytes,
		AccessTimeGranularity: time.Minute,
		Compression:           wal.CompressionZstd,
	}
}

// ShardReplay reports what one shard recovered from its log.
type ShardReplay struct {
	Shard int
	Stats wal.ReplayStats
	// Malformed counts records with a valid frame but an undecodable payload.
	Malformed int
}

// FileStore is the sharded, write-log backed Store.
type FileStore struct {
	dir    string
	opts   FileOptions
	logger *slog.Logger
	shards []*shard
	replay []ShardReplay

	totalBytes atomic.Int64
	entries    atomic.Int64
	closed     atomic.Bool
}

type record struct {
	size        int64
	created     int64
	accessed    atomic.Int64
	persisted   int64 // access time last written to the log, guarded by shard.mu
	shardID     uint32
	path        string
	contentType string
}

func (r *record) entry(key cachekey.Key) Entry {
	return Entry{
		Key:            key,
		Location:       BlobLocation{Shard: r.shardID, Path: r.path},
		Size:           r.size,
		ContentType:    r.contentType,
		CreatedAt:      time.Unix(0, r.created),
		LastAccessedAt: time.Unix(0, r.accessed.Load()),
	}
}

type shard struct {
	id    int
	store *FileStore

	mu    sync.RWMutex
	log   *wal.Log
	index map[cachekey.Key]*record

	// retryAt is the segment count a checkpoint is retried at after a
	// failure. Every attempt seals a segment, so retrying on each
	// mutation would add one file per write.
	retryAt int
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens (or creates) a FileStore rooted at dir and replays
// every shard log in parallel.
func OpenFileStore(ctx context.Context, dir string, opts FileOptions) (*FileStore, error) {
	def := DefaultFileOptions()
	if opts.ShardCount <= 0 {
		opts.ShardCount = def.ShardCount
	}
	if opts.MaxLogFiles <= 0 {
		opts.MaxLogFiles = def.MaxLogFiles
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := checkLayout(opts.FS, dir, opts.ShardCount); err != nil {
		return nil, err
	}

	s := &FileStore{
		dir:    dir,
		opts:   opts,
		logger: logger,
		shards: make([]*shard, opts.ShardCount),
		replay: make([]ShardReplay, opts.ShardCount),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sh, rep, err := s.openShard(i)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			s.shards[i] = sh
			s.replay[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sh := range s.shards {
			if sh != nil {
				_ = sh.log.Close()
			}
		}
		return nil, err
	}
	return s, nil
}

func (s *FileStore) openShard(i int) (*shard, ShardReplay, error) {
	sh := &shard{
		id:    i,
		store: s,
		index: make(map[cachekey.Key]*record),
	}
	rep := ShardReplay{Shard: i}

	apply := func(rec wal.Record) error {
		if err := sh.apply(rec); err != nil {
			rep.Malformed++
			s.logger.Warn("skipping malformed log record",
				"shard", i, "lsn", rec.LSN, "type", rec.Type.String(), "error", err)
		}
		return nil
	}

	log, stats, err := wal.Open(filepath.Join(s.dir, fmt.Sprintf("shard-%03d", i)), wal.Options{
		Shard:           uint32(i), //nolint:gosec // shard count is small
		MaxSegmentBytes: s.opts.MaxSegmentBytes,
		FlushInterval:   s.opts.FlushInterval,
		Compression:     s.opts.Compression,
		FS:              s.opts.FS,
		Logger:          s.logger.With("shard", i),
		OnFlushError: func(err error) {
			if s.opts.OnError != nil {
				s.opts.OnError(i, err)
			}
		},
	}, apply)
	if err != nil {
		return nil, rep, err
	}
	sh.log = log
	rep.Stats = stats
	return sh, rep, nil
}

// apply replays one record into the shard index. It runs before the shard is
// shared, so no locking is needed.
func (sh *shard) apply(rec wal.Record) error {
	switch rec.Type {
	case wal.RecordPut:
		e, err := decodePut(rec.Payload)
		if err != nil {
			return err
		}
		r := newRecord(e)
		r.persisted = r.accessed.Load()
		sh.insert(e.Key, r)
	case wal.RecordDelete:
		key, err := decodeDelete(rec.Payload)
		if err != nil {
			return err
		}
		sh.remove(key)
	case wal.RecordTouch:
		key, at, err := decodeTouch(rec.Payload)
		if err != nil {
			return err
		}
		if r, ok := sh.index[key]; ok && at > r.accessed.Load() {
			r.accessed.Store(at)
			r.persisted = at
		}
	case wal.RecordCheckpoint:
	}
	return nil
}

func newRecord(e Entry) *record {
	r := &record{
		size:        e.Size,
		created:     e.CreatedAt.UnixNano(),
		shardID:     e.Location.Shard,
		path:        e.Location.Path,
		contentType: e.ContentType,
	}
	r.accessed.Store(e.LastAccessedAt.UnixNano())
	return r
}

func (sh *shard) insert(key cachekey.Key, r *record) {
	if old, ok := sh.index[key]; ok {
		sh.store.totalBytes.Add(r.size - old.size)
	} else {
		sh.store.totalBytes.Add(r.size)
		sh.store.entries.Add(1)
	}
	sh.index[key] = r
}

func (sh *shard) remove(key cachekey.Key) bool {
	old, ok := sh.index[key]
	if !ok {
		return false
	}
	delete(sh.index, key)
	sh.store.totalBytes.Add(-old.size)
	sh.store.entries.Add(-1)
	return true
}

// maybeCheckpoint compacts the shard log once it has too many segments.
// The caller holds sh.mu exclusively.
func (sh *shard) maybeCheckpoint() {
	segments := sh.log.SegmentCount()
	if segments <= sh.store.opts.MaxLogFiles || segments < sh.retryAt {
		return
	}
	start := time.Now()
	n, err := sh.log.Checkpoint(func(emit func(wal.Record) error) error {
		for key, r := range sh.index {
			p, err := encodePut(r.entry(key))
			if err != nil {
				return err
			}
			if err := emit(wal.Record{Type: wal.RecordPut, Payload: p}); err != nil {
				return err
			}
			r.persisted = r.accessed.Load()
		}
		return nil
	})
	if err != nil {
		sh.retryAt = sh.log.SegmentCount() + sh.store.opts.MaxLogFiles
		sh.store.logger.Error("checkpoint failed", "shard", sh.id, "retry_at_segments", sh.retryAt, "error", err)
		if sh.store.opts.OnError != nil {
			sh.store.opts.OnError(sh.id, fmt.Errorf("checkpoint: %w", err))
		}
		return
	}
	sh.retryAt = 0
	sh.store.logger.Debug("checkpoint written", "shard", sh.id, "entries", n, "duration", time.Since(start))
}

func (s *FileStore) shardFor(key cachekey.Key) *shard {
	return s.shards[ShardOf(key, len(s.shards))]
}

// ShardOf returns the shard a key is routed to.
func (s *FileStore) ShardOf(key cachekey.Key) uint32 {
	return ShardOf(key, len(s.shards))
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string { return s.dir }

// Replay returns the per-shard replay reports collected by OpenFileStore.
func (s *FileStore) Replay() []ShardReplay {
	return s.replay
}

func (s *FileStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, e Entry) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	payload, err := encodePut(e)
	if err != nil {
		return err
	}

	sh := s.shardFor(e.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, err := sh.log.Append(wal.RecordPut, payload); err != nil {
		return fmt.Errorf("append put: %w", err)
	}
	r := newRecord(e)
	r.persisted = r.accessed.Load()
	sh.insert(e.Key, r)
	sh.maybeCheckpoint()
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key cachekey.Key) (Entry, bool, error) {
	if err := s.check(ctx); err != nil {
		return Entry{}, false, err
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.index[key]
	if !ok {
		return Entry{}, false, nil
	}
	return r.entry(key), true, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key cachekey.Key) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.index[key]; !ok {
		return nil
	}
	if _, err := sh.log.Append(wal.RecordDelete, encodeDelete(key)); err != nil {
		return fmt.Errorf("append delete: %w", err)
	}
	sh.remove(key)
	sh.maybeCheckpoint()
	return nil
}

// Touch implements Store.
func (s *FileStore) Touch(ctx context.Context, key cachekey.Key, at time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	ts := at.UnixNano()
	sh := s.shardFor(key)

	sh.mu.RLock()
	r, ok := sh.index[key]
	if !ok {
		sh.mu.RUnlock()
		return nil
	}
	for {
		cur := r.accessed.Load()
		if ts <= cur || r.accessed.CompareAndSwap(cur, ts) {
			break
		}
	}
	stale := ts-r.persisted >= int64(s.opts.AccessTimeGranularity)
	sh.mu.RUnlock()
	if !stale {
		return nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	// Re-check: the entry may have been replaced or persisted meanwhile.
	r, ok = sh.index[key]
	if !ok {
		return nil
	}
	latest := r.accessed.Load()
	if latest-r.persisted < int64(s.opts.AccessTimeGranularity) {
		return nil
	}
	if _, err := sh.log.Append(wal.RecordTouch, encodeTouch(key, latest)); err != nil {
		return fmt.Errorf("append touch: %w", err)
	}
	r.persisted = latest
	sh.maybeCheckpoint()
	return nil
}

// EvictionCandidates implements Store.
func (s *FileStore) EvictionCandidates(ctx context.Context) ([]Entry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, r := range sh.index {
			out = append(out, r.entry(key))
		}
		sh.mu.RUnlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	SortForEviction(out)
	return out, nil
}

// TotalBytes implements Store.
func (s *FileStore) TotalBytes() int64 { return s.totalBytes.Load() }

// Len implements Store.
func (s *FileStore) Len() int { return int(s.entries.Load()) }

// Partitions implements Store. Every shard is one partition.
func (s *FileStore) Partitions() int { return len(s.shards) }

// RangePartition implements Store.
func (s *FileStore) RangePartition(ctx context.Context, p int, fn func(Entry) bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if p < 0 || p >= len(s.shards) {
		return fmt.Errorf("metastore: partition %d out of range [0,%d)", p, len(s.shards))
	}
	sh := s.shards[p]
	sh.mu.RLock()
	entries := make([]Entry, 0, len(sh.index))
	for key, r := range sh.index {
		entries = append(entries, r.entry(key))
	}
	sh.mu.RUnlock()

	for _, e := range entries {
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Flush implements Store.
func (s *FileStore) Flush(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	g, _ := errgroup.WithContext(ctx)
	for _, sh := range s.shards {
		g.Go(sh.log.Flush)
	}
	return g.Wait()
}

// Close flushes and closes every shard log.
func (s *FileStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	var g errgroup.Group
	for _, sh := range s.shards {
		g.Go(func() error {
			sh.mu.Lock()
			defer sh.mu.Unlock()
			return sh.log.Close()
		})
	}
	return g.Wait()
}
