package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(30)

	c.Set("a", make([]byte, 10))
	c.Set("b", make([]byte, 10))
	c.Set("c", make([]byte, 10))
	assert.Equal(t, int64(30), c.Size())

	// Touch a so that b is the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", make([]byte, 10))
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_EdgeCases(t *testing.T) {
	c := NewLRU(50)

	c.Set("big", make([]byte, 60))
	_, ok := c.Get("big")
	assert.False(t, ok, "values larger than the capacity are not cached")

	c.Set("k", make([]byte, 10))
	c.Set("k", make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	c.Set("k", make([]byte, 5))
	assert.Equal(t, int64(5), c.Size())

	// Growing an existing value past the capacity drops it.
	c.Set("k", make([]byte, 60))
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())

	c.Set("r", []byte("x"))
	c.Remove("r")
	c.Remove("missing")
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU(100)
	c.Set("k", []byte("v"))
	c.Get("k")
	c.Get("k")
	c.Get("nope")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestShardedLRU_Distribution(t *testing.T) {
	c := NewShardedLRU(64 << 20)
	for i := range 1000 {
		c.Set(fmt.Sprintf("shard-%03d/blobs/%04d", i%16, i), make([]byte, 16))
	}
	assert.Equal(t, 1000, c.Len())

	nonEmpty := 0
	for _, sh := range c.shards {
		if sh.Len() > 0 {
			nonEmpty++
		}
	}
	assert.Greater(t, nonEmpty, 30)
}

func TestShardedLRU_Concurrent(t *testing.T) {
	c := NewShardedLRU(1 << 20)

	var wg sync.WaitGroup
	for g := range 32 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("%d/%d", g, i%50)
				if _, ok := c.Get(key); !ok {
					c.Set(key, []byte(key))
				}
			}
		}(g)
	}
	wg.Wait()

	hits, misses := c.Stats()
	assert.Equal(t, int64(32*500), hits+misses)
	assert.LessOrEqual(t, c.Size(), int64(1<<20))
	v, ok := c.Get("3/7")
	require.True(t, ok)
	assert.Equal(t, "3/7", string(v))
}
