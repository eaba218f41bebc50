// Package lockfile holds an advisory, process-wide lock on a cache root.
//
// The lock is released by Unlock or when the process exits; it does not
// protect against processes that ignore it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Name is the lock file created inside the locked directory.
const Name = "LOCK"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lockfile: directory is locked by another process")

// Lock is a held lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the lock for dir without blocking.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec
	if err != nil {
		return nil, err
	}
	if err := lock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	// Best effort; helps operators find the owner.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Unlock releases the lock. The lock file is left in place.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
