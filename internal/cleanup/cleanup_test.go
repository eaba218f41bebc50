package cleanup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybridcache/blobstore"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/metastore"
	"github.com/hupe1980/hybridcache/testutil"
)

type env struct {
	meta  *metastore.FileStore
	blobs *blobstore.MemoryStore
	clock *testutil.Clock
	keys  []cachekey.Key // insertion order, oldest first
}

func newEnv(t *testing.T) *env {
	t.Helper()
	meta, err := metastore.OpenFileStore(context.Background(), t.TempDir(), metastore.FileOptions{ShardCount: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	return &env{
		meta:  meta,
		blobs: blobstore.NewMemoryStore(),
		clock: testutil.NewClock(time.Unix(1_700_000_000, 0)),
	}
}

// add stores n entries of size bytes, each one millisecond newer than the last.
func (e *env) add(t *testing.T, n int, size int) {
	t.Helper()
	ctx := context.Background()
	for range n {
		i := len(e.keys)
		k := cachekey.Build(cachekey.Request{Path: fmt.Sprintf("/img/%d.jpg", i)})
		loc := metastore.Locate(0, k)
		at := e.clock.Now().Add(time.Duration(i) * time.Millisecond)

		require.NoError(t, e.blobs.Put(ctx, loc.Path, make([]byte, size)))
		require.NoError(t, e.meta.Put(ctx, metastore.Entry{
			Key:            k,
			Location:       loc,
			Size:           int64(size),
			CreatedAt:      at,
			LastAccessedAt: at,
		}))
		e.keys = append(e.keys, k)
	}
}

func (e *env) manager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Meta = e.meta
	if cfg.Blobs == nil {
		cfg.Blobs = e.blobs
	}
	cfg.Clock = e.clock.Now
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestRunOnce_MinAgeThenOldestFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, 10, 100)

	m := e.manager(t, Config{
		MaxCacheBytes:   1000,
		MinCleanupBytes: 800,
		MinAgeToDelete:  60 * time.Second,
	})

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Victims, "all entries are younger than the minimum age")
	assert.Equal(t, 10, res.Skipped)
	assert.Equal(t, int64(1000), e.meta.TotalBytes())

	e.clock.Advance(61 * time.Second)

	res, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Victims: 8, FreedBytes: 800}, res)
	assert.Equal(t, int64(200), e.meta.TotalBytes())
	assert.Equal(t, 2, e.blobs.Len())

	for i, k := range e.keys {
		_, ok, err := e.meta.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, i >= 8, ok, "entry %d", i)
	}

	// Below the ceiling now.
	res, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestRunOnce_YoungEntriesNeverEvicted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, 5, 100)
	e.clock.Advance(2 * time.Minute)
	e.add(t, 5, 100) // created "now"

	m := e.manager(t, Config{MaxCacheBytes: 500, MinCleanupBytes: 1000, MinAgeToDelete: time.Minute})

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Victims)
	assert.Equal(t, 5, res.Skipped)
	assert.Equal(t, 5, e.meta.Len())
	for _, k := range e.keys[5:] {
		_, ok, err := e.meta.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRunOnce_AccessOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, 4, 100)
	e.clock.Advance(time.Hour)

	// The oldest entry was read recently.
	require.NoError(t, e.meta.Touch(ctx, e.keys[0], e.clock.Now()))

	m := e.manager(t, Config{MaxCacheBytes: 400, MinCleanupBytes: 100})
	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Victims)

	_, ok, err := e.meta.Get(ctx, e.keys[0])
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = e.meta.Get(ctx, e.keys[1])
	require.NoError(t, err)
	assert.False(t, ok)
}

type flakyBlobs struct {
	*blobstore.MemoryStore
	fail string
}

func (f *flakyBlobs) Delete(ctx context.Context, name string) error {
	if name == f.fail {
		return errors.New("permission denied")
	}
	return f.MemoryStore.Delete(ctx, name)
}

func TestRunOnce_DeleteFailureSkipsVictim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, 4, 100)
	e.clock.Advance(time.Hour)

	var failed []cachekey.Key
	m := e.manager(t, Config{
		Blobs:           &flakyBlobs{MemoryStore: e.blobs, fail: metastore.Locate(0, e.keys[0]).Path},
		MaxCacheBytes:   400,
		MinCleanupBytes: 200,
		OnVictimError:   func(en metastore.Entry, _ error) { failed = append(failed, en.Key) },
	})

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Victims: 2, FreedBytes: 200, Failed: 1}, res)
	assert.Equal(t, []cachekey.Key{e.keys[0]}, failed)

	// The failed victim keeps its entry; the next two went instead.
	_, ok, err := e.meta.Get(ctx, e.keys[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, e.meta.Len())
}

func TestRunOnce_DisabledCeiling(t *testing.T) {
	e := newEnv(t)
	e.add(t, 3, 100)
	e.clock.Advance(time.Hour)

	m := e.manager(t, Config{})
	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Equal(t, 3, e.meta.Len())
}

func TestManager_KickRunsLoop(t *testing.T) {
	e := newEnv(t)
	e.add(t, 2, 100)
	e.clock.Advance(time.Hour)

	runs := make(chan Result, 4)
	m := e.manager(t, Config{
		MaxCacheBytes:   100,
		MinCleanupBytes: 100,
		Interval:        time.Hour,
		OnRun:           func(r Result, _ error) { runs <- r },
	})
	m.Start()
	defer m.Stop()

	m.Kick()
	select {
	case r := <-runs:
		assert.Equal(t, 1, r.Victims)
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not trigger a run")
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, Config{})
	m.Stop()
	m.Stop()
	m.Start() // no-op after Stop
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	e := newEnv(t)
	_, err = New(Config{Meta: e.meta, Blobs: e.blobs, MaxCacheBytes: -1})
	assert.Error(t, err)
}
