package metastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func testKey(i int) cachekey.Key {
	return cachekey.Build(cachekey.Request{Path: fmt.Sprintf("/img/%d.jpg", i)})
}

func testEntry(i int, size int64, at time.Time) Entry {
	k := testKey(i)
	return Entry{
		Key:            k,
		Location:       BlobLocation{Path: k.String()},
		Size:           size,
		ContentType:    "image/jpeg",
		CreatedAt:      at,
		LastAccessedAt: at,
	}
}

func openStore(t *testing.T, dir string, opts FileOptions) *FileStore {
	t.Helper()
	s, err := OpenFileStore(context.Background(), dir, opts)
	require.NoError(t, err)
	return s
}

func snapshot(t *testing.T, s Store) []Entry {
	t.Helper()
	var out []Entry
	for p := range s.Partitions() {
		require.NoError(t, s.RangePartition(context.Background(), p, func(e Entry) bool {
			out = append(out, e)
			return true
		}))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func TestFileStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), FileOptions{ShardCount: 4, FlushInterval: 0})
	defer s.Close()

	e := testEntry(1, 100, epoch)
	require.NoError(t, s.Put(ctx, e))

	got, ok, err := s.Get(ctx, e.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(e, got))
	assert.Equal(t, int64(100), s.TotalBytes())
	assert.Equal(t, 1, s.Len())

	// Put overwrites.
	e.Size = 250
	require.NoError(t, s.Put(ctx, e))
	assert.Equal(t, int64(250), s.TotalBytes())
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, e.Key))
	_, ok, err = s.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.TotalBytes())
	assert.Equal(t, 0, s.Len())

	// Deleting a missing key is a no-op.
	require.NoError(t, s.Delete(ctx, e.Key))
}

func TestFileStore_ReplayAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := FileOptions{ShardCount: 4, FlushInterval: time.Hour}

	s := openStore(t, dir, opts)
	for i := range 20 {
		require.NoError(t, s.Put(ctx, testEntry(i, int64(10+i), epoch.Add(time.Duration(i)*time.Second))))
	}
	for i := range 5 {
		require.NoError(t, s.Delete(ctx, testKey(i)))
	}
	want := snapshot(t, s)
	wantBytes := s.TotalBytes()
	require.NoError(t, s.Close())

	s2 := openStore(t, dir, opts)
	defer s2.Close()

	assert.Empty(t, cmp.Diff(want, snapshot(t, s2)))
	assert.Equal(t, wantBytes, s2.TotalBytes())
	assert.Equal(t, 15, s2.Len())
	for _, rep := range s2.Replay() {
		assert.Empty(t, rep.Stats.Corrupt)
		assert.Zero(t, rep.Malformed)
	}
}

func TestFileStore_ShardCountIsPinned(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir, FileOptions{ShardCount: 1})
	for i := range 10 {
		require.NoError(t, s.Put(ctx, testEntry(i, 100, epoch)))
	}
	require.NoError(t, s.Close())
	require.FileExists(t, filepath.Join(dir, LayoutFileName))

	_, err := OpenFileStore(ctx, dir, FileOptions{ShardCount: 4})
	require.ErrorIs(t, err, ErrLayoutMismatch)
	assert.Contains(t, err.Error(), "root has 1 shards, configured 4")

	// A root without a layout file is judged by its shard directories.
	require.NoError(t, os.Remove(filepath.Join(dir, LayoutFileName)))
	_, err = OpenFileStore(ctx, dir, FileOptions{ShardCount: 4})
	require.ErrorIs(t, err, ErrLayoutMismatch)

	s2 := openStore(t, dir, FileOptions{ShardCount: 1})
	defer s2.Close()
	assert.Equal(t, 10, s2.Len())
	assert.Equal(t, int64(1000), s2.TotalBytes())
	require.FileExists(t, filepath.Join(dir, LayoutFileName))
	for i := range 10 {
		_, ok, err := s2.Get(ctx, testKey(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestFileStore_CrashRecoveryIdempotence(t *testing.T) {
	ctx := context.Background()
	opts := FileOptions{ShardCount: 1}

	populate := func(dir string, n int) {
		s := openStore(t, dir, opts)
		for i := range n {
			require.NoError(t, s.Put(ctx, testEntry(i, 100, epoch)))
		}
		require.NoError(t, s.Close())
	}

	crashed, clean := t.TempDir(), t.TempDir()
	populate(crashed, 10)
	populate(clean, 9)

	seg := filepath.Join(crashed, "shard-000", "00000001.log")
	info, err := os.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(seg, info.Size()-7))

	sc := openStore(t, crashed, opts)
	defer sc.Close()
	sk := openStore(t, clean, opts)
	defer sk.Close()

	if diff := cmp.Diff(snapshot(t, sk), snapshot(t, sc)); diff != "" {
		t.Fatalf("state mismatch (-clean +crashed):\n%s", diff)
	}
	require.Len(t, sc.Replay()[0].Stats.Corrupt, 1)
	assert.Equal(t, int64(900), sc.TotalBytes())
}

func TestFileStore_TouchGranularity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := FileOptions{ShardCount: 2, AccessTimeGranularity: time.Minute}

	s := openStore(t, dir, opts)
	e := testEntry(1, 10, epoch)
	require.NoError(t, s.Put(ctx, e))

	// In memory every touch counts.
	require.NoError(t, s.Touch(ctx, e.Key, epoch.Add(30*time.Second)))
	got, _, err := s.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(epoch.Add(30*time.Second)))

	// Access time never moves backwards.
	require.NoError(t, s.Touch(ctx, e.Key, epoch.Add(10*time.Second)))
	got, _, err = s.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(epoch.Add(30*time.Second)))
	require.NoError(t, s.Close())

	// The 30s touch was below the granularity and was not logged.
	s2 := openStore(t, dir, opts)
	got, _, err = s2.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(epoch))

	require.NoError(t, s2.Touch(ctx, e.Key, epoch.Add(2*time.Minute)))
	require.NoError(t, s2.Close())

	s3 := openStore(t, dir, opts)
	defer s3.Close()
	got, _, err = s3.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(epoch.Add(2*time.Minute)))

	// Touching a missing key is a no-op.
	require.NoError(t, s3.Touch(ctx, testKey(99), epoch))
}

func TestFileStore_CheckpointBoundsSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := FileOptions{
		ShardCount:      1,
		MaxLogFiles:     2,
		MaxSegmentBytes: 512,
		Compression:     wal.CompressionLZ4,
	}

	s := openStore(t, dir, opts)
	for i := range 200 {
		require.NoError(t, s.Put(ctx, testEntry(i, 1, epoch)))
	}
	for i := range 50 {
		require.NoError(t, s.Delete(ctx, testKey(i)))
	}
	want := snapshot(t, s)
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "shard-000", "*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(files), 3)
	_, err = os.Stat(filepath.Join(dir, "shard-000", "checkpoint.snap"))
	require.NoError(t, err)

	s2 := openStore(t, dir, opts)
	defer s2.Close()
	assert.Empty(t, cmp.Diff(want, snapshot(t, s2)))
	assert.Equal(t, 150, s2.Len())
	assert.Positive(t, s2.Replay()[0].Stats.CheckpointRecords)
}

func TestFileStore_CheckpointBacksOffAfterFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var failures atomic.Int32
	opts := FileOptions{
		ShardCount:      1,
		MaxLogFiles:     2,
		MaxSegmentBytes: 4096,
		OnError:         func(int, error) { failures.Add(1) },
	}

	s := openStore(t, dir, opts)
	// A directory in the way makes every checkpoint write fail.
	blocker := filepath.Join(dir, "shard-000", "checkpoint.snap")
	require.NoError(t, os.Mkdir(blocker, 0o755))

	for i := range 200 {
		require.NoError(t, s.Put(ctx, testEntry(i, 1, epoch)))
	}
	logs, err := filepath.Glob(filepath.Join(dir, "shard-000", "*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(logs), 12, "failed checkpoints must not seal a segment per write")
	assert.Positive(t, failures.Load())
	assert.LessOrEqual(t, failures.Load(), int32(5))

	require.NoError(t, os.Remove(blocker))
	for i := 200; i < 400; i++ {
		require.NoError(t, s.Put(ctx, testEntry(i, 1, epoch)))
	}
	want := snapshot(t, s)
	require.NoError(t, s.Close())

	info, err := os.Stat(blocker)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular(), "checkpoint written once the path is free")
	logs, err = filepath.Glob(filepath.Join(dir, "shard-000", "*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(logs), 3)

	s2 := openStore(t, dir, opts)
	defer s2.Close()
	assert.Empty(t, cmp.Diff(want, snapshot(t, s2)))
	assert.Equal(t, 400, s2.Len())
}

func TestFileStore_EvictionCandidatesOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), FileOptions{ShardCount: 3})
	defer s.Close()

	require.NoError(t, s.Put(ctx, testEntry(1, 1, epoch.Add(3*time.Second))))
	require.NoError(t, s.Put(ctx, testEntry(2, 1, epoch.Add(1*time.Second))))
	require.NoError(t, s.Put(ctx, testEntry(3, 1, epoch.Add(2*time.Second))))
	require.NoError(t, s.Touch(ctx, testKey(2), epoch.Add(10*time.Second)))

	got, err := s.EvictionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []cachekey.Key{testKey(3), testKey(1), testKey(2)},
		[]cachekey.Key{got[0].Key, got[1].Key, got[2].Key})
}

func TestFileStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), FileOptions{ShardCount: 8, FlushInterval: 10 * time.Millisecond})
	defer s.Close()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				id := g*100 + i
				assert.NoError(t, s.Put(ctx, testEntry(id, 10, epoch)))
				assert.NoError(t, s.Touch(ctx, testKey(id), epoch.Add(time.Hour)))
				_, ok, err := s.Get(ctx, testKey(id))
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 800, s.Len())
	assert.Equal(t, int64(8000), s.TotalBytes())
}

func TestFileStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), FileOptions{ShardCount: 1})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)

	assert.ErrorIs(t, s.Put(ctx, testEntry(1, 1, epoch)), ErrClosed)
	_, _, err := s.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_RangePartitionBounds(t *testing.T) {
	s := openStore(t, t.TempDir(), FileOptions{ShardCount: 2})
	defer s.Close()
	assert.Error(t, s.RangePartition(context.Background(), 2, func(Entry) bool { return true }))
}
