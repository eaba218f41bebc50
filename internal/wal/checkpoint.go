package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/hybridcache/internal/fs"
	"github.com/hupe1980/hybridcache/internal/hash"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec of checkpoint snapshots.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression maps a codec name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("wal: unknown compression %q", s)
	}
}

const (
	checkpointName       = "checkpoint.snap"
	checkpointMagic      = "HCCP"
	checkpointVersion    = 1
	checkpointHeaderSize = 32
)

// ErrInvalidCheckpoint is returned when a checkpoint snapshot fails validation.
var ErrInvalidCheckpoint = errors.New("wal: invalid checkpoint")

type checkpointHeader struct {
	Codec   Compression
	Covered uint64 // segments with id < Covered are folded into the snapshot
	Records uint64
	CRC     uint32
}

func (h checkpointHeader) encode() []byte {
	buf := make([]byte, checkpointHeaderSize)
	copy(buf[0:4], checkpointMagic)
	binary.LittleEndian.PutUint16(buf[4:], checkpointVersion)
	buf[6] = byte(h.Codec)
	binary.LittleEndian.PutUint64(buf[8:], h.Covered)
	binary.LittleEndian.PutUint64(buf[16:], h.Records)
	binary.LittleEndian.PutUint32(buf[24:], h.CRC)
	return buf
}

func decodeCheckpointHeader(buf []byte) (checkpointHeader, error) {
	if len(buf) < checkpointHeaderSize || string(buf[0:4]) != checkpointMagic {
		return checkpointHeader{}, fmt.Errorf("%w: bad header", ErrInvalidCheckpoint)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != checkpointVersion {
		return checkpointHeader{}, fmt.Errorf("%w: checkpoint version %d", ErrIncompatibleVersion, v)
	}
	return checkpointHeader{
		Codec:   Compression(buf[6]),
		Covered: binary.LittleEndian.Uint64(buf[8:]),
		Records: binary.LittleEndian.Uint64(buf[16:]),
		CRC:     binary.LittleEndian.Uint32(buf[24:]),
	}, nil
}

func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("wal: unknown compression %d", c)
	}
}

func decompressReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidCheckpoint, c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// writeCheckpoint serializes every record emitted by snapshot into a compressed
// body and atomically replaces path.
func writeCheckpoint(path string, covered uint64, codec Compression, snapshot func(emit func(Record) error) error) (uint64, error) {
	var body bytes.Buffer
	cw, err := compressWriter(&body, codec)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(cw, 64*1024)

	var (
		count   uint64
		scratch []byte
	)
	emit := func(rec Record) error {
		count++
		rec.LSN = count
		scratch, err = rec.AppendEncoded(scratch[:0])
		if err != nil {
			return err
		}
		_, err = bw.Write(scratch)
		return err
	}
	if err := snapshot(emit); err != nil {
		_ = cw.Close()
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	if err := cw.Close(); err != nil {
		return 0, err
	}

	hdr := checkpointHeader{
		Codec:   codec,
		Covered: covered,
		Records: count,
		CRC:     hash.CRC32C(body.Bytes()),
	}
	file := make([]byte, 0, checkpointHeaderSize+body.Len())
	file = append(file, hdr.encode()...)
	file = append(file, body.Bytes()...)

	if err := atomic.WriteFile(path, bytes.NewReader(file)); err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	return count, nil
}

// readCheckpoint applies every record of the snapshot at path to fn and
// returns the header. A missing file returns a zero header and no error.
func readCheckpoint(fsys fs.FileSystem, path string, fn func(Record) error) (checkpointHeader, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return checkpointHeader{}, nil
		}
		return checkpointHeader{}, err
	}
	hdr, err := decodeCheckpointHeader(data)
	if err != nil {
		return checkpointHeader{}, err
	}
	body := data[checkpointHeaderSize:]
	if hash.CRC32C(body) != hdr.CRC {
		return checkpointHeader{}, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, ErrInvalidCRC)
	}

	r, closeFn, err := decompressReader(bytes.NewReader(body), hdr.Codec)
	if err != nil {
		return checkpointHeader{}, err
	}
	defer closeFn()

	// Decode fully before applying so a damaged snapshot never leaves a
	// partially applied index behind.
	br := bufio.NewReaderSize(r, 64*1024)
	recs := make([]Record, 0, min(hdr.Records, 1<<16))
	for {
		rec, _, err := Decode(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return checkpointHeader{}, fmt.Errorf("%w: record %d: %w", ErrInvalidCheckpoint, len(recs), err)
		}
		recs = append(recs, rec)
	}
	if uint64(len(recs)) != hdr.Records {
		return checkpointHeader{}, fmt.Errorf("%w: %d records, header says %d", ErrInvalidCheckpoint, len(recs), hdr.Records)
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return checkpointHeader{}, err
		}
	}
	return hdr, nil
}
