package blobstore

import (
	"context"

	"github.com/hupe1980/hybridcache/internal/cache"
)

// CachingStore wraps a Store and keeps recently read payloads in memory.
// Payloads larger than maxItem bytes bypass the hot tier.
type CachingStore struct {
	inner   Store
	cache   *cache.ShardedLRU
	maxItem int64
}

// NewCachingStore creates a new CachingStore holding up to capacity bytes.
// maxItem defaults to capacity/64 if <= 0.
func NewCachingStore(inner Store, capacity, maxItem int64) *CachingStore {
	if maxItem <= 0 {
		maxItem = max(capacity/64, 1)
	}
	return &CachingStore{
		inner:   inner,
		cache:   cache.NewShardedLRU(capacity),
		maxItem: maxItem,
	}
}

// Inner returns the wrapped store.
func (s *CachingStore) Inner() Store { return s.inner }

// Put writes through to the inner store and refreshes the hot copy.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	// Drop first so a failed write never leaves a stale hot copy.
	s.cache.Remove(name)
	if err := s.inner.Put(ctx, name, data); err != nil {
		return err
	}
	s.remember(name, data)
	return nil
}

// Get serves from memory when possible and fills the hot tier on a miss.
func (s *CachingStore) Get(ctx context.Context, name string) ([]byte, error) {
	if data, ok := s.cache.Get(name); ok {
		return clone(data), nil
	}
	data, err := s.inner.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	s.remember(name, data)
	return data, nil
}

// Delete invalidates the hot copy and removes the blob from the inner store.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.Remove(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Stats returns hot tier hits, misses and resident bytes.
func (s *CachingStore) Stats() (hits, misses, bytes int64) {
	hits, misses = s.cache.Stats()
	return hits, misses, s.cache.Size()
}

func (s *CachingStore) remember(name string, data []byte) {
	if int64(len(data)) > s.maxItem {
		return
	}
	s.cache.Set(name, clone(data))
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
