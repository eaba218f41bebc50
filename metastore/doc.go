// Package metastore defines the cache's metadata index contract and its
// default engine.
//
// A [Store] maps a cache key to the location, size, content type and
// timestamps of the blob holding its bytes. The index is authoritative: an
// entry exists only while its blob is present (or provably being written),
// so the write path always stores the blob before calling [Store.Put] and the
// eviction path always deletes the blob before calling [Store.Delete].
//
// # FileStore
//
// [FileStore] partitions the keyspace into shards by key hash. Each shard
// owns a directory with its own write log (package internal/wal), its own
// in-memory index and its own lock:
//
//	root/
//	  shard-000/
//	    checkpoint.snap
//	    00000012.log
//	  shard-001/
//	    ...
//
// Mutations are appended to the shard log before the in-memory index is
// updated. The log is flushed on a fixed interval, so an entry is visible
// immediately but durable only after the next flush. Opening a FileStore
// replays every shard in parallel; a torn record at the end of a segment is
// discarded. Once a shard holds more than MaxLogFiles segments it writes a
// compacted checkpoint and drops the covered segments.
//
// Replay is idempotent: Put replaces, Delete removes and Touch only moves
// the access time forward.
//
// # Access times
//
// Touch updates the in-memory access time on every call but appends a log
// record only when the persisted access time is older than
// AccessTimeGranularity. Checkpoints always carry the in-memory value.
package metastore
