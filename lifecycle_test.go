package hybridcache_test

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybridcache"
	"github.com/hupe1980/hybridcache/cachekey"
)

func keyFor(path string) cachekey.Key {
	return cachekey.Build(cachekey.Request{Path: path})
}

func constProducer(data string) hybridcache.Producer {
	return func(context.Context, cachekey.Key) (string, []byte, error) {
		return "image/jpeg", []byte(data), nil
	}
}

// TestNoGoroutineLeaks verifies that the write workers, the cleanup loop and
// the metastore flushers all terminate on Stop.
func TestNoGoroutineLeaks(t *testing.T) {
	tests := []struct {
		name     string
		opts     []hybridcache.Option
		maxLeaks int
	}{
		{
			name:     "defaults",
			maxLeaks: 2,
		},
		{
			name: "many workers and shards",
			opts: []hybridcache.Option{
				hybridcache.WithShardCount(8),
				hybridcache.WithWriteWorkers(8),
				hybridcache.WithFlushInterval(5 * time.Millisecond),
				hybridcache.WithCleanupInterval(5 * time.Millisecond),
			},
			maxLeaks: 2,
		},
		{
			name: "hot tier",
			opts: []hybridcache.Option{
				hybridcache.WithMemoryCacheBytes(1 << 20),
			},
			maxLeaks: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runtime.GC()
			time.Sleep(50 * time.Millisecond)
			initial := runtime.NumGoroutine()
			t.Logf("Initial goroutines: %d", initial)

			opts := append([]hybridcache.Option{hybridcache.WithRootDir(t.TempDir())}, tt.opts...)
			c, err := hybridcache.Open(opts...)
			require.NoError(t, err)

			ctx := context.Background()
			require.NoError(t, c.Start(ctx))

			for i := range 20 {
				_, err := c.GetOrCreate(ctx, keyFor(fmt.Sprintf("/img-%d.jpg", i)), constProducer("data"))
				require.NoError(t, err)
			}

			require.NoError(t, c.Stop(ctx))

			var final, leaked int
			deadline := time.Now().Add(2 * time.Second)
			for {
				runtime.GC()
				time.Sleep(20 * time.Millisecond)
				final = runtime.NumGoroutine()
				leaked = final - initial
				if leaked <= tt.maxLeaks || time.Now().After(deadline) {
					break
				}
			}

			t.Logf("Final goroutines: %d (leaked: %d)", final, leaked)

			if leaked > tt.maxLeaks {
				t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, max allowed: %d)",
					initial, final, leaked, tt.maxLeaks)

				buf := make([]byte, 1<<20)
				stackSize := runtime.Stack(buf, true)
				t.Logf("Goroutine stacks:\n%s", buf[:stackSize])
			}
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	c, err := hybridcache.Open(hybridcache.WithRootDir(t.TempDir()))
	require.NoError(t, err)

	_, err = c.GetOrCreate(ctx, keyFor("/a.jpg"), constProducer("a"))
	assert.ErrorIs(t, err, hybridcache.ErrNotStarted)
	assert.ErrorIs(t, c.Stop(ctx), hybridcache.ErrNotStarted)

	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), hybridcache.ErrAlreadyStarted)

	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, c.Stop(ctx), hybridcache.ErrClosed, "second stop")
	assert.ErrorIs(t, c.Start(ctx), hybridcache.ErrClosed, "restart")

	_, err = c.Lookup(ctx, keyFor("/a.jpg"))
	assert.ErrorIs(t, err, hybridcache.ErrClosed)
}

// TestStopWithActiveOperations verifies graceful shutdown while callers are
// still producing.
func TestStopWithActiveOperations(t *testing.T) {
	c, err := hybridcache.Open(
		hybridcache.WithRootDir(t.TempDir()),
		hybridcache.WithWriteWorkers(2),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				// Calls after Stop fail with ErrClosed; that is expected here.
				_, _ = c.GetOrCreate(ctx, keyFor(fmt.Sprintf("/g%d/%d.jpg", g, i)), constProducer("payload"))
				time.Sleep(time.Millisecond)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, c.Stop(ctx), "Stop should succeed even with active operations")
	wg.Wait()
}
