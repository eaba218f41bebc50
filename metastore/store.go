package metastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/hybridcache/cachekey"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("metastore: closed")

// BlobLocation identifies where the bytes of an entry live.
type BlobLocation struct {
	Shard uint32
	Path  string // blob store name
}

// ShardOf routes key to one of n shards.
func ShardOf(key cachekey.Key, n int) uint32 {
	if n <= 1 {
		return 0
	}
	return uint32(key.Hash64() % uint64(n)) //nolint:gosec
}

// Locate returns the blob location of key within shard.
// Blobs fan out over 256 directories per shard by the first key byte.
func Locate(shard uint32, key cachekey.Key) BlobLocation {
	hex := key.String()
	return BlobLocation{
		Shard: shard,
		Path:  fmt.Sprintf("shard-%03d/blobs/%s/%s", shard, hex[:2], hex),
	}
}

// Entry is the metadata of one cached artifact.
type Entry struct {
	Key            cachekey.Key
	Location       BlobLocation
	Size           int64
	ContentType    string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Store is a metadata index engine.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the entry for e.Key.
	Put(ctx context.Context, e Entry) error

	// Get returns the entry for key.
	Get(ctx context.Context, key cachekey.Key) (Entry, bool, error)

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key cachekey.Key) error

	// Touch moves the access time of key forward to at.
	Touch(ctx context.Context, key cachekey.Key, at time.Time) error

	// EvictionCandidates returns all entries ordered by ascending
	// LastAccessedAt, ties broken by CreatedAt and then key bytes.
	EvictionCandidates(ctx context.Context) ([]Entry, error)

	// TotalBytes returns the sum of the sizes of all entries.
	TotalBytes() int64

	// Len returns the number of entries.
	Len() int

	// Partitions returns the number of independently iterable partitions.
	Partitions() int

	// RangePartition calls fn for every entry of partition p until fn
	// returns false.
	RangePartition(ctx context.Context, p int, fn func(Entry) bool) error

	// Flush makes every acknowledged mutation durable.
	Flush(ctx context.Context) error

	Close() error
}

// SortForEviction orders entries least recently used first.
func SortForEviction(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.Key[:], b.Key[:])
	})
}
