// Package cachekey composes fixed-size cache keys from request identities.
//
// A key is derived by folding typed fields into an FNV-1a accumulator in a
// fixed order:
//
//  1. the key format version (Version)
//  2. the virtual path
//  3. the source version (origin ETag or modification stamp, may be empty)
//  4. the query parameters, sorted by name and then by value
//  5. the applied watermarks, in the order they are composited
//
// Every field carries a kind tag and variable-length values carry their
// length, so "ab"+"c" and "a"+"bc" never collide and an absent optional value
// is distinguishable from one that is present with its zero value.
//
// Changing the fold order, the tags, or Version invalidates every cached
// artifact. Treat such a change as a deliberate cache flush.
package cachekey
