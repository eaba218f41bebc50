// Package cache provides the in-memory hot tier that sits in front of a blob
// store.
//
// LRU is a byte-bounded least-recently-used map from blob name to bytes.
// ShardedLRU spreads names over 64 LRUs by xxhash so that concurrent readers
// rarely contend on the same mutex. Values are shared, not copied: callers
// must treat both stored and returned slices as immutable.
package cache
