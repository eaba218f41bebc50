package existence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/natefinch/atomic"
)

const (
	snapshotMagic   = "HCEX"
	snapshotVersion = uint32(1)
	snapshotHeader  = 16
)

// ErrInvalidSnapshot is returned when a snapshot file cannot be decoded.
var ErrInvalidSnapshot = errors.New("existence: invalid snapshot")

// ToRoaring returns the set bits as a roaring bitmap.
func (x *Index) ToRoaring() *roaring.Bitmap {
	rb := roaring.New()
	for i := range x.words {
		w := x.words[i].Load()
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			rb.Add(uint32(uint64(i)*wordBits + uint64(tz)))
			w &= w - 1
		}
	}
	rb.RunOptimize()
	return rb
}

// MergeRoaring sets every bit contained in rb.
func (x *Index) MergeRoaring(rb *roaring.Bitmap) {
	it := rb.Iterator()
	for it.HasNext() {
		x.Set(uint64(it.Next()), true)
	}
}

// SaveSnapshot atomically writes the index to path.
func (x *Index) SaveSnapshot(path string) error {
	var buf bytes.Buffer
	var hdr [snapshotHeader]byte
	copy(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], snapshotVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], x.size)
	buf.Write(hdr[:])

	if _, err := x.ToRoaring().WriteTo(&buf); err != nil {
		return fmt.Errorf("encode existence snapshot: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write existence snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot into a new index.
func LoadSnapshot(path string) (*Index, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is configured by the caller
	if err != nil {
		return nil, err
	}
	if len(data) < snapshotHeader || string(data[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidSnapshot, v)
	}
	x, err := New(binary.LittleEndian.Uint64(data[8:16]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	rb := roaring.New()
	if _, err := rb.ReadFrom(bytes.NewReader(data[snapshotHeader:])); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if !rb.IsEmpty() && uint64(rb.Maximum()) >= x.size {
		return nil, fmt.Errorf("%w: bit %d out of range", ErrInvalidSnapshot, rb.Maximum())
	}
	x.MergeRoaring(rb)
	return x, nil
}
