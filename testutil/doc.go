// Package testutil provides deterministic helpers for tests and benchmarks.
//
// This package is intended for use in tests only.
//
// # Random Workloads
//
//	rng := testutil.NewRNG(seed)
//	keys := rng.Keys(1000)            // distinct cache keys
//	data := rng.Payload(512, 4096)    // random bytes of random length
//	idx := rng.ZipfSequence(10_000, len(keys), 1.2)
//
// # Time
//
//	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
//	clock.Advance(time.Hour)
package testutil
