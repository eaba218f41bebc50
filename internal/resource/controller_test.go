package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_QueueBudget(t *testing.T) {
	c := NewController(Config{QueueLimitBytes: 100})

	require.NoError(t, c.TryAcquireQueue(50))
	require.NoError(t, c.TryAcquireQueue(40))
	assert.Equal(t, int64(90), c.QueuedBytes())

	// Would exceed the budget.
	err := c.TryAcquireQueue(20)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "90 of 100 in use")
	assert.Equal(t, int64(90), c.QueuedBytes())

	c.ReleaseQueue(50)
	assert.Equal(t, int64(40), c.QueuedBytes())
	require.NoError(t, c.TryAcquireQueue(20))
	assert.Equal(t, int64(60), c.QueuedBytes())
}

func TestController_QueueLargerThanBudget(t *testing.T) {
	c := NewController(Config{QueueLimitBytes: 100})
	assert.ErrorIs(t, c.TryAcquireQueue(101), ErrBudgetExceeded)
	assert.Equal(t, int64(0), c.QueuedBytes())
}

func TestController_UnlimitedQueue(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.TryAcquireQueue(1<<40))
	assert.Equal(t, int64(1<<40), c.QueuedBytes())
	c.ReleaseQueue(1 << 40)
	assert.Equal(t, int64(0), c.QueuedBytes())
}

func TestController_ConcurrentQueue(t *testing.T) {
	c := NewController(Config{QueueLimitBytes: 1000})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquireQueue(100) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
	assert.Equal(t, int64(1000), c.QueuedBytes())
}

func TestController_Writers(t *testing.T) {
	c := NewController(Config{MaxWriters: 2})

	require.NoError(t, c.AcquireWriter(t.Context()))
	require.NoError(t, c.AcquireWriter(t.Context()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireWriter(ctx), context.DeadlineExceeded)

	c.ReleaseWriter()
	require.NoError(t, c.AcquireWriter(t.Context()))
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})

	// The bucket starts full.
	require.NoError(t, c.AcquireIO(t.Context(), 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireIO(ctx, 5000))
}

func TestController_Nil(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.TryAcquireQueue(10))
	c.ReleaseQueue(10)
	assert.Equal(t, int64(0), c.QueuedBytes())
	assert.NoError(t, c.AcquireWriter(context.Background()))
	c.ReleaseWriter()
	assert.NoError(t, c.AcquireIO(context.Background(), 1<<20))
}
