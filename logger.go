package hybridcache

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/hybridcache/cachekey"
)

// Logger wraps slog.Logger with cache-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(shard int) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", shard),
	}
}

// WithKey adds a key field to the logger.
func (l *Logger) WithKey(key cachekey.Key) *Logger {
	return &Logger{
		Logger: l.Logger.With("key", key.String()),
	}
}

// LogReplay logs the recovery of one metastore shard.
func (l *Logger) LogReplay(ctx context.Context, shard, records int, discardedBytes int64, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "replay failed",
			"shard", shard,
			"records", records,
			"error", err,
		)
	case discardedBytes > 0:
		l.WarnContext(ctx, "replay discarded corrupt tail",
			"shard", shard,
			"records", records,
			"discarded_bytes", discardedBytes,
		)
	default:
		l.DebugContext(ctx, "replay completed",
			"shard", shard,
			"records", records,
		)
	}
}

// LogEviction logs a cleanup run.
func (l *Logger) LogEviction(ctx context.Context, victims int, freedBytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "eviction failed",
			"victims", victims,
			"freed_bytes", freedBytes,
			"error", err,
		)
	} else if victims > 0 {
		l.InfoContext(ctx, "eviction completed",
			"victims", victims,
			"freed_bytes", freedBytes,
		)
	}
}

// LogWrite logs the persistence of one entry.
func (l *Logger) LogWrite(ctx context.Context, key cachekey.Key, size int64, err error) {
	if err != nil {
		l.WarnContext(ctx, "write failed",
			"key", key.String(),
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write completed",
			"key", key.String(),
			"size", size,
		)
	}
}

// LogShutdown logs the drain of the write queue on Stop.
func (l *Logger) LogShutdown(ctx context.Context, drained int64, dropped int, err error) {
	if err != nil || dropped > 0 {
		l.WarnContext(ctx, "shutdown dropped pending writes",
			"drained", drained,
			"dropped", dropped,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "shutdown completed",
			"drained", drained,
		)
	}
}
