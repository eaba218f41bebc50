package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is the payload storage contract used by the cache.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes data under name, replacing any previous object atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the full payload stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name. Missing objects are ignored.
	Delete(ctx context.Context, name string) error
	// List returns all names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
