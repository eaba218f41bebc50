package hybridcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/internal/lockfile"
)

var (
	// ErrNotStarted is returned by operations that need a started cache.
	ErrNotStarted = errors.New("hybridcache: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("hybridcache: already started")

	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("hybridcache: closed")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("hybridcache: invalid config")

	// ErrNotFound is returned by Lookup on a miss.
	ErrNotFound = errors.New("hybridcache: not found")

	// ErrLocked is returned by Start when another process owns the root.
	ErrLocked = lockfile.ErrLocked
)

// ProductionError reports that the producer failed or was cancelled.
// It is the only error GetOrCreate returns for a started cache.
type ProductionError struct {
	Key cachekey.Key
	Err error
}

func (e *ProductionError) Error() string {
	return fmt.Sprintf("produce %s: %v", e.Key, e.Err)
}

func (e *ProductionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed blob write or index update. The entry
// is not indexed; the next request recomputes it.
type PersistenceError struct {
	Key cachekey.Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReplayCorruptionError reports a log segment that ended in a torn or
// corrupt record. Everything after Offset in that segment was discarded.
type ReplayCorruptionError struct {
	Shard     int
	Path      string
	Offset    int64
	Discarded int64
	Err       error
}

func (e *ReplayCorruptionError) Error() string {
	return fmt.Sprintf("replay shard %d: %s at offset %d (%d bytes discarded): %v",
		e.Shard, e.Path, e.Offset, e.Discarded, e.Err)
}

func (e *ReplayCorruptionError) Unwrap() error { return e.Err }

// EvictionError reports a victim that could not be removed.
type EvictionError struct {
	Key  cachekey.Key
	Path string
	Err  error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict %s (%s): %v", e.Key, e.Path, e.Err)
}

func (e *EvictionError) Unwrap() error { return e.Err }
