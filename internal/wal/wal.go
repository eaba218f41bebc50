package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/hybridcache/internal/fs"
)

// DefaultMaxSegmentBytes is the segment rotation threshold when Options
// leaves it unset.
const DefaultMaxSegmentBytes = 4 << 20

// Options configures a Log.
type Options struct {
	// Shard is stamped into every segment header.
	Shard uint32

	// MaxSegmentBytes rotates the active segment once it would grow past
	// this size.
	MaxSegmentBytes int64

	// FlushInterval is the period of the background flush loop. Zero
	// flushes and fsyncs after every append.
	FlushInterval time.Duration

	// Compression is the codec used for checkpoint snapshots.
	Compression Compression

	// FS defaults to fs.Default.
	FS fs.FileSystem

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// OnFlushError is called by the background flush loop when a flush
	// fails. The error is sticky: later appends return it as well.
	OnFlushError func(error)
}

// CorruptSegment describes a segment tail discarded during replay.
type CorruptSegment struct {
	Path      string
	Offset    int64 // last good offset
	Discarded int64
	Err       error
}

// ReplayStats summarizes what Open replayed.
type ReplayStats struct {
	CheckpointRecords uint64
	Segments          int
	Records           int
	DiscardedBytes    int64
	Corrupt           []CorruptSegment
}

// Log is the append-only write log of one shard.
//
// Log is safe for concurrent use, but callers that need a snapshot consistent
// with the appended records (Checkpoint) must serialize writers themselves.
type Log struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	fsys   fs.FileSystem
	logger *slog.Logger

	file       fs.File
	bw         *bufio.Writer
	activeID   uint64
	activeSize int64
	segments   []uint64 // ascending, last is active
	nextLSN    uint64
	dirty      bool
	closed     bool
	lastErr    error
	scratch    []byte

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open replays the log in dir, handing every record to apply in log order,
// and opens the newest segment for appends.
func Open(dir string, opts Options, apply func(Record) error) (*Log, ReplayStats, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &Log{
		dir:     dir,
		opts:    opts,
		fsys:    opts.FS,
		logger:  logger,
		nextLSN: 1,
	}

	if err := l.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, ReplayStats{}, fmt.Errorf("create log directory: %w", err)
	}

	var stats ReplayStats

	cp, err := readCheckpoint(l.fsys, filepath.Join(dir, checkpointName), func(rec Record) error {
		stats.CheckpointRecords++
		return apply(rec)
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidCheckpoint) {
			return nil, stats, fmt.Errorf("read checkpoint: %w", err)
		}
		// The covered segments are gone; the entries they described are
		// lost and will be recomputed on demand.
		logger.Warn("discarding invalid checkpoint", "dir", dir, "error", err)
		stats.Corrupt = append(stats.Corrupt, CorruptSegment{Path: filepath.Join(dir, checkpointName), Err: err})
		stats.CheckpointRecords = 0
		cp = checkpointHeader{}
	}

	ids, err := listSegments(l.fsys, dir)
	if err != nil {
		return nil, stats, fmt.Errorf("list segments: %w", err)
	}

	var live []uint64
	for _, id := range ids {
		if id < cp.Covered {
			// Leftover from a checkpoint that crashed before cleanup.
			if err := l.fsys.Remove(segmentPath(dir, id)); err != nil {
				logger.Warn("remove covered segment", "segment", id, "error", err)
			}
			continue
		}
		live = append(live, id)
	}

	var (
		activeGood  int64 = -1
		activeValid bool
	)
	for i, id := range live {
		last := i == len(live)-1
		good, valid, err := l.replaySegment(id, apply, &stats)
		if err != nil {
			return nil, stats, err
		}
		if last {
			activeGood, activeValid = good, valid
		}
	}

	if len(live) == 0 {
		id := max(cp.Covered, 1)
		if err := l.createSegment(id); err != nil {
			return nil, stats, err
		}
		l.segments = []uint64{id}
	} else {
		l.segments = live
		if err := l.openActive(live[len(live)-1], activeGood, activeValid); err != nil {
			return nil, stats, err
		}
	}

	if opts.FlushInterval > 0 {
		l.stopCh = make(chan struct{})
		l.wg.Add(1)
		go l.flushLoop()
	}

	return l, stats, nil
}

// replaySegment applies the valid prefix of one segment. It returns the last
// good offset and whether the header was valid.
func (l *Log) replaySegment(id uint64, apply func(Record) error, stats *ReplayStats) (int64, bool, error) {
	path := segmentPath(l.dir, id)
	f, err := l.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, false, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	size := info.Size()
	stats.Segments++

	hdrBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		stats.DiscardedBytes += size
		stats.Corrupt = append(stats.Corrupt, CorruptSegment{Path: path, Discarded: size, Err: ErrInvalidHeader})
		return 0, false, nil
	}
	if _, err := decodeSegmentHeader(hdrBuf); err != nil {
		if errors.Is(err, ErrIncompatibleVersion) {
			return 0, false, fmt.Errorf("segment %s: %w", path, err)
		}
		stats.DiscardedBytes += size
		stats.Corrupt = append(stats.Corrupt, CorruptSegment{Path: path, Discarded: size, Err: err})
		return 0, false, nil
	}

	br := bufio.NewReaderSize(f, 64*1024)
	offset := int64(segmentHeaderSize)
	for {
		rec, n, err := Decode(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discarded := size - offset
			stats.DiscardedBytes += discarded
			stats.Corrupt = append(stats.Corrupt, CorruptSegment{Path: path, Offset: offset, Discarded: discarded, Err: err})
			l.logger.Warn("discarding corrupt log tail",
				"segment", path, "offset", offset, "discarded_bytes", discarded, "error", err)
			break
		}
		if err := apply(rec); err != nil {
			return 0, false, fmt.Errorf("apply record lsn=%d: %w", rec.LSN, err)
		}
		if rec.LSN >= l.nextLSN {
			l.nextLSN = rec.LSN + 1
		}
		stats.Records++
		offset += n
	}
	return offset, true, nil
}

func (l *Log) createSegment(id uint64) error {
	path := segmentPath(l.dir, id)
	f, err := l.fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}
	if _, err := f.Write(segmentHeader{Version: segmentVersion, Shard: l.opts.Shard}.encode()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync segment header: %w", err)
	}
	l.file = f
	l.bw = bufio.NewWriterSize(f, 64*1024)
	l.activeID = id
	l.activeSize = segmentHeaderSize
	return nil
}

// openActive reopens the newest segment for appends, cutting it back to its
// last good record first.
func (l *Log) openActive(id uint64, good int64, valid bool) error {
	if !valid {
		return l.createSegment(id)
	}
	path := segmentPath(l.dir, id)
	f, err := l.fsys.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if info.Size() > good {
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return fmt.Errorf("truncate segment %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	l.file = f
	l.bw = bufio.NewWriterSize(f, 64*1024)
	l.activeID = id
	l.activeSize = good
	return nil
}

// Append adds a record to the active segment and returns its LSN. The record
// is durable after the next flush.
func (l *Log) Append(typ RecordType, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.lastErr != nil {
		return 0, l.lastErr
	}

	rec := Record{LSN: l.nextLSN, Type: typ, Payload: payload}
	buf, err := rec.AppendEncoded(l.scratch[:0])
	if err != nil {
		return 0, err
	}
	l.scratch = buf

	if l.activeSize > segmentHeaderSize && l.activeSize+int64(len(buf)) > l.opts.MaxSegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}

	if _, err := l.bw.Write(buf); err != nil {
		l.lastErr = fmt.Errorf("wal append: %w", err)
		return 0, l.lastErr
	}
	l.activeSize += int64(len(buf))
	l.nextLSN++
	l.dirty = true

	if l.opts.FlushInterval <= 0 {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
	}
	return rec.LSN, nil
}

// Flush writes buffered records and fsyncs the active segment.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if l.lastErr != nil {
		return l.lastErr
	}
	if !l.dirty {
		return nil
	}
	if err := l.bw.Flush(); err != nil {
		l.lastErr = fmt.Errorf("wal flush: %w", err)
		return l.lastErr
	}
	if err := l.file.Sync(); err != nil {
		l.lastErr = fmt.Errorf("wal sync: %w", err)
		return l.lastErr
	}
	l.dirty = false
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		l.lastErr = fmt.Errorf("close segment: %w", err)
		return l.lastErr
	}
	next := l.activeID + 1
	if err := l.createSegment(next); err != nil {
		l.lastErr = err
		return err
	}
	l.segments = append(l.segments, next)
	return nil
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.closed || l.lastErr != nil {
				l.mu.Unlock()
				continue
			}
			err := l.flushLocked()
			l.mu.Unlock()
			if err != nil {
				l.logger.Error("background flush failed", "dir", l.dir, "error", err)
				if l.opts.OnFlushError != nil {
					l.opts.OnFlushError(err)
				}
			}
		case <-l.stopCh:
			return
		}
	}
}

// SegmentCount returns the number of segment files, including the active one.
func (l *Log) SegmentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments)
}

// NextLSN returns the LSN the next append will receive.
func (l *Log) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// Checkpoint seals the active segment, writes a compacted snapshot of the
// records emitted by snapshot and removes every segment it covers. The
// caller must block appends for the duration so that the snapshot matches
// the sealed segments.
func (l *Log) Checkpoint(snapshot func(emit func(Record) error) error) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if err := l.rotateLocked(); err != nil {
		return 0, err
	}
	covered := l.activeID

	count, err := writeCheckpoint(filepath.Join(l.dir, checkpointName), covered, l.opts.Compression, snapshot)
	if err != nil {
		// The sealed segments stay and remain authoritative.
		return 0, err
	}

	kept := l.segments[:0]
	for _, id := range l.segments {
		if id >= covered {
			kept = append(kept, id)
			continue
		}
		if err := l.fsys.Remove(segmentPath(l.dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			// Replay deletes it next time; the checkpoint already covers it.
			l.logger.Warn("remove checkpointed segment", "segment", id, "error", err)
		}
	}
	l.segments = kept

	var marker [8]byte
	binary.LittleEndian.PutUint64(marker[:], covered)
	rec := Record{LSN: l.nextLSN, Type: RecordCheckpoint, Payload: marker[:]}
	buf, err := rec.AppendEncoded(l.scratch[:0])
	if err != nil {
		return count, err
	}
	l.scratch = buf
	if _, err := l.bw.Write(buf); err != nil {
		l.lastErr = fmt.Errorf("wal append: %w", err)
		return count, l.lastErr
	}
	l.activeSize += int64(len(buf))
	l.nextLSN++
	l.dirty = true

	return count, l.flushLocked()
}

// Close flushes pending records and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	if l.stopCh != nil {
		close(l.stopCh)
		l.wg.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var flushErr error
	if l.lastErr == nil && l.dirty {
		flushErr = l.flushLocked()
	}
	return errors.Join(flushErr, l.file.Close())
}
