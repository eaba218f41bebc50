package cachekey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Version is folded first into every key. Bump it to invalidate all
// previously cached artifacts.
const Version = "hybridcache/key/v1"

// Size is the length of a Key in bytes.
const Size = 16

// ErrInvalidKey is returned when a textual key cannot be parsed.
var ErrInvalidKey = errors.New("invalid cache key")

// Key is the fixed-size identity of a cached artifact.
type Key [Size]byte

// String returns the lowercase hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Hash64 returns a well-mixed 64-bit hash of the key, used to route keys to
// shards and existence buckets.
func (k Key) Hash64() uint64 {
	return xxhash.Sum64(k[:])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParseKey parses the hex form produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	if hex.DecodedLen(len(s)) != Size {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return k, nil
}

// FromBytes copies b into a Key. b must be exactly Size bytes.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Param is a single query parameter.
type Param struct {
	Name  string
	Value string
}

// ParamsFromValues flattens url.Values into a parameter list.
func ParamsFromValues(v url.Values) []Param {
	params := make([]Param, 0, len(v))
	for name, values := range v {
		for _, value := range values {
			params = append(params, Param{Name: name, Value: value})
		}
	}
	return params
}

// Request is the logical identity of a derived artifact.
type Request struct {
	// Path is the virtual path of the source image.
	Path string
	// SourceVersion identifies the revision of the source (ETag,
	// modification stamp). Empty when unknown.
	SourceVersion string
	// Query holds the normalized query parameters. Order does not matter.
	Query []Param
	// Watermarks holds the applied watermarks. Order matters.
	Watermarks []Watermark
}

// Build folds req into a Key. It is pure and safe for concurrent use.
func Build(req Request) Key {
	acc := New128()
	acc.AddString(Version)
	acc.AddString(req.Path)
	acc.AddString(req.SourceVersion)

	params := make([]Param, len(req.Query))
	copy(params, req.Query)
	sort.SliceStable(params, func(i, j int) bool {
		if params[i].Name != params[j].Name {
			return params[i].Name < params[j].Name
		}
		return params[i].Value < params[j].Value
	})
	acc.Section("query", len(params))
	for _, p := range params {
		acc.AddString(p.Name)
		acc.AddString(p.Value)
	}

	acc.Section("watermarks", len(req.Watermarks))
	for i := range req.Watermarks {
		req.Watermarks[i].fold(acc)
	}

	var k Key
	copy(k[:], acc.Sum(nil))
	return k
}
