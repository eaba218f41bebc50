package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExceeded is returned when the queue budget would be exceeded.
var ErrBudgetExceeded = errors.New("queue budget exceeded")

// Config holds resource limits.
type Config struct {
	// QueueLimitBytes is the maximum number of bytes held by pending
	// writes. If 0, queued bytes are only tracked.
	QueueLimitBytes int64

	// MaxWriters is the maximum number of concurrent blob writes.
	// If 0, defaults to 1.
	MaxWriters int64

	// IOLimitBytesPerSec throttles background IO. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the write path budgets.
type Controller struct {
	cfg Config

	queueSem  *semaphore.Weighted // nil if unlimited
	queueUsed atomic.Int64

	writerSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxWriters <= 0 {
		cfg.MaxWriters = 1
	}

	c := &Controller{
		cfg:       cfg,
		writerSem: semaphore.NewWeighted(cfg.MaxWriters),
	}

	if cfg.QueueLimitBytes > 0 {
		c.queueSem = semaphore.NewWeighted(cfg.QueueLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// TryAcquireQueue reserves bytes of the queue budget without blocking. It
// returns an error wrapping ErrBudgetExceeded when the bytes do not fit; a
// request larger than the whole budget never succeeds.
func (c *Controller) TryAcquireQueue(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.queueSem != nil && !c.queueSem.TryAcquire(bytes) {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrBudgetExceeded, bytes, c.queueUsed.Load(), c.cfg.QueueLimitBytes)
	}
	c.queueUsed.Add(bytes)
	return nil
}

// ReleaseQueue returns bytes to the queue budget.
func (c *Controller) ReleaseQueue(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.queueSem != nil {
		c.queueSem.Release(bytes)
	}
	c.queueUsed.Add(-bytes)
}

// QueuedBytes returns the bytes currently reserved by pending writes.
func (c *Controller) QueuedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.queueUsed.Load()
}

// AcquireWriter reserves a writer slot, blocking while all slots are busy.
func (c *Controller) AcquireWriter(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.writerSem.Acquire(ctx, 1)
}

// ReleaseWriter releases a writer slot.
func (c *Controller) ReleaseWriter() {
	if c == nil {
		return
	}
	c.writerSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
