package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/hybridcache/cachekey"
)

// RNG encapsulates a seeded random number generator.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex

	// harmonic caches the Zipf normalization per (n, s).
	harmonic map[zipfParams]float64
}

type zipfParams struct {
	n int
	s float64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand:     rand.New(rand.NewSource(seed)),
		seed:     seed,
		harmonic: make(map[zipfParams]float64),
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	b := make([]byte, n)
	r.mu.Lock()
	_, _ = r.rand.Read(b)
	r.mu.Unlock()
	return b
}

// Payload returns random bytes with a length in [minLen, maxLen].
func (r *RNG) Payload(minLen, maxLen int) []byte {
	if maxLen <= minLen {
		return r.Bytes(minLen)
	}
	return r.Bytes(minLen + r.Intn(maxLen-minLen+1))
}

// Requests returns n distinct requests with random widths.
func (r *RNG) Requests(n int) []cachekey.Request {
	reqs := make([]cachekey.Request, n)
	for i := range reqs {
		reqs[i] = cachekey.Request{
			Path: fmt.Sprintf("/images/%06d.jpg", i),
			Query: []cachekey.Param{
				{Name: "width", Value: fmt.Sprint(16 + r.Intn(2048))},
			},
		}
	}
	return reqs
}

// Keys returns the keys of n distinct requests.
func (r *RNG) Keys(n int) []cachekey.Key {
	reqs := r.Requests(n)
	keys := make([]cachekey.Key, n)
	for i := range reqs {
		keys[i] = cachekey.Build(reqs[i])
	}
	return keys
}

// Zipf returns a Zipfian-distributed value in [0, n).
// P(k) ∝ 1/k^s; s=1.0 is standard Zipf, larger s concentrates harder on
// the first values.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	p := zipfParams{n: n, s: s}
	hns, ok := r.harmonic[p]
	if !ok {
		for i := 1; i <= n; i++ {
			hns += 1.0 / math.Pow(float64(i), s)
		}
		r.harmonic[p] = hns
	}

	// Inverse transform over the cumulative weights.
	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// ZipfSequence returns count Zipf-distributed indexes in [0, n), modelling
// a request stream where few items are hot.
func (r *RNG) ZipfSequence(count, n int, s float64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, count)
	for i := range out {
		out[i] = r.zipfLocked(n, s)
	}
	return out
}
