package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/hybridcache/internal/hash"
)

// RecordType identifies the type of a log record.
type RecordType uint8

const (
	RecordPut        RecordType = 1
	RecordDelete     RecordType = 2
	RecordTouch      RecordType = 3
	RecordCheckpoint RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case RecordPut:
		return "put"
	case RecordDelete:
		return "delete"
	case RecordTouch:
		return "touch"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

func (t RecordType) valid() bool {
	return t >= RecordPut && t <= RecordCheckpoint
}

const (
	// MaxPayloadSize bounds a single record payload.
	MaxPayloadSize = 1 << 20

	frameHeaderSize = 4 + 1 + 8 + 4
)

var (
	ErrInvalidCRC          = errors.New("wal: invalid record checksum")
	ErrInvalidType         = errors.New("wal: invalid record type")
	ErrShortRecord         = errors.New("wal: short record")
	ErrRecordTooLarge      = errors.New("wal: record too large")
	ErrInvalidHeader       = errors.New("wal: invalid segment header")
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
	ErrClosed              = errors.New("wal: closed")
)

// Record is a single framed log entry.
type Record struct {
	LSN     uint64
	Type    RecordType
	Payload []byte
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	return frameHeaderSize + len(r.Payload)
}

// AppendEncoded appends the framed record to dst.
func (r *Record) AppendEncoded(dst []byte) ([]byte, error) {
	if len(r.Payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(r.Payload))
	}
	if !r.Type.valid() {
		return dst, fmt.Errorf("%w: %d", ErrInvalidType, r.Type)
	}

	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)
	hdr := dst[start:]
	hdr[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(hdr[5:], r.LSN)
	binary.LittleEndian.PutUint32(hdr[13:], uint32(len(r.Payload))) //nolint:gosec // bounded by MaxPayloadSize
	dst = append(dst, r.Payload...)

	crc := hash.CRC32C(dst[start+4:])
	binary.LittleEndian.PutUint32(dst[start:], crc)
	return dst, nil
}

// Encode writes the framed record to w.
func (r *Record) Encode(w io.Writer) error {
	buf, err := r.AppendEncoded(make([]byte, 0, r.Size()))
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads one record from r and returns it with the number of bytes
// consumed. A clean end of input returns io.EOF; a record cut off mid-way
// returns ErrShortRecord.
func Decode(r io.Reader) (Record, int64, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, 0, io.EOF
		}
		return Record{}, int64(n), ErrShortRecord
	}

	checksum := binary.LittleEndian.Uint32(hdr[0:])
	typ := RecordType(hdr[4])
	lsn := binary.LittleEndian.Uint64(hdr[5:])
	length := binary.LittleEndian.Uint32(hdr[13:])

	if length > MaxPayloadSize {
		return Record{}, frameHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	m, err := io.ReadFull(r, payload)
	if err != nil {
		return Record{}, frameHeaderSize + int64(m), ErrShortRecord
	}
	consumed := frameHeaderSize + int64(length)

	crc := hash.CRC32C(hdr[4:])
	crc = hash.UpdateCRC32C(crc, payload)
	if crc != checksum {
		return Record{}, consumed, ErrInvalidCRC
	}
	if !typ.valid() {
		return Record{}, consumed, ErrInvalidType
	}

	return Record{LSN: lsn, Type: typ, Payload: payload}, consumed, nil
}
