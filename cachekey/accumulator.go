package cachekey

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
)

// Field kind tags. The numeric values are part of the key format.
const (
	tagString  byte = 0x01
	tagBytes   byte = 0x02
	tagInt     byte = 0x03
	tagUint    byte = 0x04
	tagBool    byte = 0x05
	tagFloat   byte = 0x06
	tagAbsent  byte = 0x07
	tagEnum    byte = 0x08
	tagSection byte = 0x09
)

// Accumulator is an order-sensitive streaming hash over typed fields.
//
// It is not safe for concurrent use; create one per key computation.
type Accumulator struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64 + 1]byte
}

// New64 returns an accumulator backed by 64-bit FNV-1a.
func New64() *Accumulator {
	return &Accumulator{h: fnv.New64a()}
}

// New128 returns an accumulator backed by 128-bit FNV-1a.
func New128() *Accumulator {
	return &Accumulator{h: fnv.New128a()}
}

func (a *Accumulator) tag(t byte) {
	a.buf[0] = t
	_, _ = a.h.Write(a.buf[:1])
}

func (a *Accumulator) length(n int) {
	l := binary.PutUvarint(a.buf[:], uint64(n))
	_, _ = a.h.Write(a.buf[:l])
}

// AddString folds a length-prefixed string.
func (a *Accumulator) AddString(s string) {
	a.tag(tagString)
	a.length(len(s))
	_, _ = a.h.Write([]byte(s))
}

// AddBytes folds a length-prefixed byte slice.
func (a *Accumulator) AddBytes(b []byte) {
	a.tag(tagBytes)
	a.length(len(b))
	_, _ = a.h.Write(b)
}

// AddInt64 folds a signed integer.
func (a *Accumulator) AddInt64(v int64) {
	a.tag(tagInt)
	binary.LittleEndian.PutUint64(a.buf[:8], uint64(v))
	_, _ = a.h.Write(a.buf[:8])
}

// AddUint64 folds an unsigned integer.
func (a *Accumulator) AddUint64(v uint64) {
	a.tag(tagUint)
	binary.LittleEndian.PutUint64(a.buf[:8], v)
	_, _ = a.h.Write(a.buf[:8])
}

// AddBool folds a boolean.
func (a *Accumulator) AddBool(v bool) {
	a.tag(tagBool)
	if v {
		a.buf[0] = 1
	} else {
		a.buf[0] = 0
	}
	_, _ = a.h.Write(a.buf[:1])
}

// AddFloat64 folds a float. Negative zero folds as zero and every NaN folds
// as the same canonical NaN.
func (a *Accumulator) AddFloat64(v float64) {
	switch {
	case v == 0:
		v = 0
	case math.IsNaN(v):
		v = math.NaN()
	}
	a.tag(tagFloat)
	binary.LittleEndian.PutUint64(a.buf[:8], math.Float64bits(v))
	_, _ = a.h.Write(a.buf[:8])
}

// AddEnum folds a small enumeration value.
func (a *Accumulator) AddEnum(v uint8) {
	a.tag(tagEnum)
	a.buf[0] = v
	_, _ = a.h.Write(a.buf[:1])
}

// AddAbsent folds the sentinel for a missing optional field.
func (a *Accumulator) AddAbsent() {
	a.tag(tagAbsent)
}

// AddOptionalInt folds v, or the absent sentinel when v is nil.
func (a *Accumulator) AddOptionalInt(v *int) {
	if v == nil {
		a.AddAbsent()
		return
	}
	a.AddInt64(int64(*v))
}

// AddOptionalFloat64 folds v, or the absent sentinel when v is nil.
func (a *Accumulator) AddOptionalFloat64(v *float64) {
	if v == nil {
		a.AddAbsent()
		return
	}
	a.AddFloat64(*v)
}

// Section marks the start of a repeated group and folds its element count.
func (a *Accumulator) Section(name string, count int) {
	a.tag(tagSection)
	a.length(len(name))
	_, _ = a.h.Write([]byte(name))
	a.length(count)
}

// Sum appends the current hash to b.
func (a *Accumulator) Sum(b []byte) []byte {
	return a.h.Sum(b)
}

// Sum64 returns the current hash as a uint64. For a 128-bit accumulator it
// returns the leading eight bytes.
func (a *Accumulator) Sum64() uint64 {
	if h64, ok := a.h.(hash.Hash64); ok {
		return h64.Sum64()
	}
	return binary.BigEndian.Uint64(a.h.Sum(nil))
}
