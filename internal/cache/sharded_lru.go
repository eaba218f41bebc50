package cache

import (
	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// ShardedLRU distributes entries across 64 LRUs to reduce lock contention.
type ShardedLRU struct {
	shards [numShards]*LRU
}

// NewShardedLRU creates a sharded LRU. The capacity is divided evenly
// across all shards.
func NewShardedLRU(capacity int64) *ShardedLRU {
	shardCapacity := max(capacity/numShards, 1)

	s := &ShardedLRU{}
	for i := range numShards {
		s.shards[i] = NewLRU(shardCapacity)
	}
	return s
}

func (s *ShardedLRU) shard(key string) *LRU {
	return s.shards[xxhash.Sum64String(key)%numShards]
}

// Get returns the value for key.
func (s *ShardedLRU) Get(key string) ([]byte, bool) {
	return s.shard(key).Get(key)
}

// Set stores value under key.
func (s *ShardedLRU) Set(key string, value []byte) {
	s.shard(key).Set(key, value)
}

// Remove drops key from the cache.
func (s *ShardedLRU) Remove(key string) {
	s.shard(key).Remove(key)
}

// Stats returns aggregated hit and miss counters.
func (s *ShardedLRU) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total size across all shards.
func (s *ShardedLRU) Size() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}

// Len returns the number of cached values across all shards.
func (s *ShardedLRU) Len() int {
	var n int
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}
