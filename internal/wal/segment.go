package wal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/hybridcache/internal/fs"
)

const (
	segmentMagic      = "HCWL"
	segmentVersion    = 1
	segmentHeaderSize = 16
	segmentSuffix     = ".log"
)

type segmentHeader struct {
	Version uint16
	Flags   uint16
	Shard   uint32
}

func (h segmentHeader) encode() []byte {
	buf := make([]byte, segmentHeaderSize)
	copy(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint16(buf[6:], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:], h.Shard)
	return buf
}

func decodeSegmentHeader(buf []byte) (segmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return segmentHeader{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(buf))
	}
	if string(buf[0:4]) != segmentMagic {
		return segmentHeader{}, fmt.Errorf("%w: magic %q", ErrInvalidHeader, buf[0:4])
	}
	h := segmentHeader{
		Version: binary.LittleEndian.Uint16(buf[4:]),
		Flags:   binary.LittleEndian.Uint16(buf[6:]),
		Shard:   binary.LittleEndian.Uint32(buf[8:]),
	}
	if h.Version != segmentVersion {
		return segmentHeader{}, fmt.Errorf("%w: segment version %d (expected %d)", ErrIncompatibleVersion, h.Version, segmentVersion)
	}
	return h, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%08d%s", id, segmentSuffix)
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, segmentName(id))
}

// listSegments returns the ids of all segment files in dir in ascending order.
func listSegments(fsys fs.FileSystem, dir string) ([]uint64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
