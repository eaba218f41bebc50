// Package blobstore stores cache payloads by name.
//
// A Store holds one immutable object per cache entry. Names are slash
// separated and relative to the store root, e.g.
//
//	shard-003/blobs/9f/9f86d081884c7d659a2feaa0c55ad015
//
// Writes replace an object atomically: a reader either sees the previous
// payload or the new one, never a torn mix. Delete of a missing object is
// not an error.
//
// # Built-in Implementations
//
//   - LocalStore: one file per entry under a root directory
//   - MemoryStore: process-local map, used by tests
//   - CachingStore: hot in-memory tier in front of another Store
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible servers
package blobstore
