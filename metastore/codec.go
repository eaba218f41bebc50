package metastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/hybridcache/cachekey"
)

var errMalformedPayload = errors.New("metastore: malformed record payload")

const putFixedSize = cachekey.Size + 8 + 8 + 8 + 4 + 2 + 2

// encodePut lays out an entry as
// key | size u64 | created i64 | accessed i64 | shard u32 | pathLen u16 | path | ctLen u16 | contentType.
func encodePut(e Entry) ([]byte, error) {
	if len(e.Location.Path) > math.MaxUint16 || len(e.ContentType) > math.MaxUint16 {
		return nil, fmt.Errorf("metastore: path or content type too long for key %s", e.Key)
	}
	buf := make([]byte, 0, putFixedSize+len(e.Location.Path)+len(e.ContentType))
	buf = append(buf, e.Key[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Size)) //nolint:gosec // sizes are non-negative
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LastAccessedAt.UnixNano()))
	buf = binary.LittleEndian.AppendUint32(buf, e.Location.Shard)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Location.Path)))
	buf = append(buf, e.Location.Path...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.ContentType)))
	buf = append(buf, e.ContentType...)
	return buf, nil
}

func decodePut(p []byte) (Entry, error) {
	if len(p) < putFixedSize {
		return Entry{}, errMalformedPayload
	}
	var e Entry
	copy(e.Key[:], p)
	off := cachekey.Size
	e.Size = int64(binary.LittleEndian.Uint64(p[off:])) //nolint:gosec
	off += 8
	e.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(p[off:]))) //nolint:gosec
	off += 8
	e.LastAccessedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(p[off:]))) //nolint:gosec
	off += 8
	e.Location.Shard = binary.LittleEndian.Uint32(p[off:])
	off += 4

	n := int(binary.LittleEndian.Uint16(p[off:]))
	off += 2
	if len(p) < off+n+2 {
		return Entry{}, errMalformedPayload
	}
	e.Location.Path = string(p[off : off+n])
	off += n

	n = int(binary.LittleEndian.Uint16(p[off:]))
	off += 2
	if len(p) != off+n {
		return Entry{}, errMalformedPayload
	}
	e.ContentType = string(p[off : off+n])
	return e, nil
}

func encodeDelete(key cachekey.Key) []byte {
	return append([]byte(nil), key[:]...)
}

func decodeDelete(p []byte) (cachekey.Key, error) {
	if len(p) != cachekey.Size {
		return cachekey.Key{}, errMalformedPayload
	}
	return cachekey.Key(p), nil
}

func encodeTouch(key cachekey.Key, at int64) []byte {
	buf := make([]byte, 0, cachekey.Size+8)
	buf = append(buf, key[:]...)
	return binary.LittleEndian.AppendUint64(buf, uint64(at)) //nolint:gosec
}

func decodeTouch(p []byte) (cachekey.Key, int64, error) {
	if len(p) != cachekey.Size+8 {
		return cachekey.Key{}, 0, errMalformedPayload
	}
	return cachekey.Key(p[:cachekey.Size]), int64(binary.LittleEndian.Uint64(p[cachekey.Size:])), nil //nolint:gosec
}
