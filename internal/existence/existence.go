package existence

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

var (
	// ErrInvalidSize is returned when the bit count is not a positive
	// multiple of 64 or exceeds 2^32.
	ErrInvalidSize = errors.New("existence: size must be a positive multiple of 64 and at most 2^32")
	// ErrSizeMismatch is returned when merging indexes of different sizes.
	ErrSizeMismatch = errors.New("existence: size mismatch")
)

// Index is a fixed-size concurrent bitmap.
type Index struct {
	words []atomic.Uint64
	size  uint64
}

// New creates an index with size bits, all cleared.
func New(size uint64) (*Index, error) {
	if size == 0 || size%wordBits != 0 || size > math.MaxUint32+1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &Index{
		words: make([]atomic.Uint64, size/wordBits),
		size:  size,
	}, nil
}

// Len returns the number of bits.
func (x *Index) Len() uint64 {
	return x.size
}

// Bucket maps a 64-bit hash onto a bit index.
func (x *Index) Bucket(h uint64) uint64 {
	return h % x.size
}

func (x *Index) locate(i uint64) (*atomic.Uint64, uint64) {
	i %= x.size
	return &x.words[i/wordBits], uint64(1) << (i % wordBits)
}

// Get reports whether bit i is set.
func (x *Index) Get(i uint64) bool {
	w, mask := x.locate(i)
	return w.Load()&mask != 0
}

// Set sets bit i to v.
func (x *Index) Set(i uint64, v bool) {
	w, mask := x.locate(i)
	for {
		old := w.Load()
		var next uint64
		if v {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if next == old || w.CompareAndSwap(old, next) {
			return
		}
	}
}

// MergeTrueBitsFrom ORs every set bit of other into x. It never clears a bit
// and may run concurrently with Set calls on x.
func (x *Index) MergeTrueBitsFrom(other *Index) error {
	if other.size != x.size {
		return fmt.Errorf("%w: %d != %d", ErrSizeMismatch, other.size, x.size)
	}
	for i := range x.words {
		src := other.words[i].Load()
		if src == 0 {
			continue
		}
		w := &x.words[i]
		for {
			old := w.Load()
			next := old | src
			if next == old || w.CompareAndSwap(old, next) {
				break
			}
		}
	}
	return nil
}

// Clear resets every bit. This is the only operation besides Set(i, false)
// that turns a set bit off.
func (x *Index) Clear() {
	for i := range x.words {
		x.words[i].Store(0)
	}
}

// Fill sets every bit. A filled index never reports absence.
func (x *Index) Fill() {
	for i := range x.words {
		x.words[i].Store(math.MaxUint64)
	}
}

// Count returns the number of set bits.
func (x *Index) Count() uint64 {
	var n uint64
	for i := range x.words {
		n += uint64(bits.OnesCount64(x.words[i].Load()))
	}
	return n
}
