// Package existence provides a lock-free, fixed-size concurrent bitmap used
// as a no-false-negative membership pre-check.
//
// A cleared bit guarantees that no entry hashing to that bucket exists. A set
// bit only says an entry may exist. Bits are never cleared as a side effect of
// unrelated writes: Set and MergeTrueBitsFrom operate on 64-bit words through
// compare-and-swap loops, so concurrent updates to neighbouring bits in the
// same word cannot lose each other.
//
// The index can be persisted as a roaring bitmap snapshot so that a restart
// does not have to enumerate the metadata store.
package existence
