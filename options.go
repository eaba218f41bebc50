package hybridcache

import (
	"fmt"
	"time"

	"github.com/hupe1980/hybridcache/blobstore"
	"github.com/hupe1980/hybridcache/internal/wal"
	"github.com/hupe1980/hybridcache/metastore"
)

// Config holds the tunables of a Cache.
type Config struct {
	// RootDir holds the metastore shards, local blobs, the existence
	// snapshot and the LOCK file.
	RootDir string

	// ShardCount is the number of metastore shards. Changing it for an
	// existing RootDir loses the index.
	ShardCount int

	// MaxQueuedBytes bounds the bytes held by pending writes.
	MaxQueuedBytes int64

	// WriteSynchronouslyWhenFull makes a caller whose write does not fit
	// MaxQueuedBytes persist it inline instead of dropping it.
	WriteSynchronouslyWhenFull bool

	// WriteWorkers is the number of background persistence workers. It
	// also caps concurrent blob writes, synchronous ones included.
	WriteWorkers int

	// MaxCacheBytes is the size ceiling enforced by cleanup. Zero disables
	// eviction.
	MaxCacheBytes int64

	// MinCleanupBytes is the least a cleanup run frees once it evicts.
	MinCleanupBytes int64

	// MinAgeToDelete protects recently created entries from eviction.
	MinAgeToDelete time.Duration

	// CleanupInterval is the cleanup loop period.
	CleanupInterval time.Duration

	// DeleteRateLimit caps blob deletes per second during cleanup.
	// Zero is unlimited.
	DeleteRateLimit float64

	// FlushInterval is the period of the write log group flush.
	FlushInterval time.Duration

	// MaxLogFiles triggers a shard checkpoint once exceeded.
	MaxLogFiles int

	// MaxSegmentBytes is the write log segment rotation size.
	MaxSegmentBytes int64

	// AccessTimeGranularity bounds how often a hit is journaled.
	AccessTimeGranularity time.Duration

	// SnapshotCompression is the checkpoint codec.
	SnapshotCompression wal.Compression

	// ExistenceBits is the size of the existence bitmap, a multiple of 64.
	ExistenceBits uint64

	// IOLimitBytesPerSec throttles blob writes. Zero is unlimited.
	IOLimitBytesPerSec int64

	// MemoryCacheBytes enables an in-memory hot tier in front of the blob
	// store. Zero disables it.
	MemoryCacheBytes int64

	// ShutdownTimeout bounds how long Stop waits for running calls and
	// the write queue drain.
	ShutdownTimeout time.Duration

	// MaxIssues bounds the distinct issues kept for diagnostics.
	MaxIssues int
}

// DefaultConfig returns the default configuration. RootDir is empty and
// must be set unless both stores are supplied.
func DefaultConfig() Config {
	return Config{
		ShardCount:                 16,
		MaxQueuedBytes:             64 << 20,
		WriteSynchronouslyWhenFull: true,
		WriteWorkers:               4,
		MaxCacheBytes:              10 << 30,
		MinCleanupBytes:            64 << 20,
		MinAgeToDelete:             2 * time.Minute,
		CleanupInterval:            time.Minute,
		FlushInterval:              time.Second,
		MaxLogFiles:                8,
		MaxSegmentBytes:            wal.DefaultMaxSegmentBytes,
		AccessTimeGranularity:      time.Minute,
		SnapshotCompression:        wal.CompressionZstd,
		ExistenceBits:              1 << 24,
		ShutdownTimeout:            10 * time.Second,
		MaxIssues:                  128,
	}
}

// Validate checks c for values the cache cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ShardCount <= 0:
		return fmt.Errorf("%w: shard count must be positive", ErrInvalidConfig)
	case c.ShardCount > 4096:
		return fmt.Errorf("%w: shard count %d exceeds 4096", ErrInvalidConfig, c.ShardCount)
	case c.MaxQueuedBytes <= 0:
		return fmt.Errorf("%w: max queued bytes must be positive", ErrInvalidConfig)
	case c.WriteWorkers <= 0:
		return fmt.Errorf("%w: write workers must be positive", ErrInvalidConfig)
	case c.MaxCacheBytes < 0, c.MinCleanupBytes < 0, c.MemoryCacheBytes < 0, c.IOLimitBytesPerSec < 0:
		return fmt.Errorf("%w: byte limits must not be negative", ErrInvalidConfig)
	case c.MinAgeToDelete < 0, c.FlushInterval < 0, c.AccessTimeGranularity < 0, c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup interval must be positive", ErrInvalidConfig)
	case c.DeleteRateLimit < 0:
		return fmt.Errorf("%w: delete rate limit must not be negative", ErrInvalidConfig)
	case c.MaxLogFiles <= 0:
		return fmt.Errorf("%w: max log files must be positive", ErrInvalidConfig)
	case c.MaxSegmentBytes < 1024:
		return fmt.Errorf("%w: max segment bytes must be at least 1024", ErrInvalidConfig)
	case c.ExistenceBits == 0 || c.ExistenceBits%64 != 0:
		return fmt.Errorf("%w: existence bits must be a positive multiple of 64", ErrInvalidConfig)
	}
	return nil
}

type options struct {
	cfg              Config
	logger           *Logger
	metricsCollector MetricsCollector
	metaStore        metastore.Store
	blobStore        blobstore.Store
	clock            func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithConfig replaces the whole configuration. Options applied after it
// still override single fields.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRootDir sets the cache root directory.
func WithRootDir(dir string) Option {
	return func(o *options) { o.cfg.RootDir = dir }
}

// WithShardCount sets the number of metastore shards.
func WithShardCount(n int) Option {
	return func(o *options) { o.cfg.ShardCount = n }
}

// WithMaxQueuedBytes sets the write queue byte budget.
func WithMaxQueuedBytes(n int64) Option {
	return func(o *options) { o.cfg.MaxQueuedBytes = n }
}

// WithWriteSynchronouslyWhenFull selects the full-queue policy.
func WithWriteSynchronouslyWhenFull(v bool) Option {
	return func(o *options) { o.cfg.WriteSynchronouslyWhenFull = v }
}

// WithWriteWorkers sets the number of persistence workers.
func WithWriteWorkers(n int) Option {
	return func(o *options) { o.cfg.WriteWorkers = n }
}

// WithMaxCacheBytes sets the size ceiling. Zero disables eviction.
func WithMaxCacheBytes(n int64) Option {
	return func(o *options) { o.cfg.MaxCacheBytes = n }
}

// WithMinCleanupBytes sets the minimum bytes freed per cleanup run.
func WithMinCleanupBytes(n int64) Option {
	return func(o *options) { o.cfg.MinCleanupBytes = n }
}

// WithMinAgeToDelete protects entries younger than d from eviction.
func WithMinAgeToDelete(d time.Duration) Option {
	return func(o *options) { o.cfg.MinAgeToDelete = d }
}

// WithCleanupInterval sets the cleanup loop period.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.CleanupInterval = d }
}

// WithDeleteRateLimit caps blob deletes per second during cleanup.
func WithDeleteRateLimit(perSecond float64) Option {
	return func(o *options) { o.cfg.DeleteRateLimit = perSecond }
}

// WithFlushInterval sets the write log flush period. Zero flushes after
// every mutation.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.FlushInterval = d }
}

// WithMaxLogFiles sets the per-shard segment count that triggers a checkpoint.
func WithMaxLogFiles(n int) Option {
	return func(o *options) { o.cfg.MaxLogFiles = n }
}

// WithMaxSegmentBytes sets the write log segment rotation size.
func WithMaxSegmentBytes(n int64) Option {
	return func(o *options) { o.cfg.MaxSegmentBytes = n }
}

// WithAccessTimeGranularity sets how stale a persisted access time may
// get before a hit is journaled. Zero journals every hit.
func WithAccessTimeGranularity(d time.Duration) Option {
	return func(o *options) { o.cfg.AccessTimeGranularity = d }
}

// WithSnapshotCompression sets the checkpoint codec.
func WithSnapshotCompression(c wal.Compression) Option {
	return func(o *options) { o.cfg.SnapshotCompression = c }
}

// WithExistenceBits sets the existence bitmap size.
func WithExistenceBits(n uint64) Option {
	return func(o *options) { o.cfg.ExistenceBits = n }
}

// WithIOLimit throttles blob writes to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) { o.cfg.IOLimitBytesPerSec = bytesPerSec }
}

// WithMemoryCacheBytes enables the in-memory hot tier.
func WithMemoryCacheBytes(n int64) Option {
	return func(o *options) { o.cfg.MemoryCacheBytes = n }
}

// WithShutdownTimeout bounds the drain in Stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.ShutdownTimeout = d }
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMetaStore supplies the metadata engine. The cache flushes but does
// not close it.
func WithMetaStore(s metastore.Store) Option {
	return func(o *options) { o.metaStore = s }
}

// WithBlobStore supplies the blob backend.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) { o.blobStore = s }
}

// WithClock replaces the time source used for timestamps and eviction age.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}
