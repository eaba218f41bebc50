package writequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/hybridcache/blobstore"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/internal/existence"
	"github.com/hupe1980/hybridcache/internal/resource"
	"github.com/hupe1980/hybridcache/metastore"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("writequeue: stopped")

// Outcome describes what Enqueue did with a write.
type Outcome int

const (
	// Queued means the write holds budget and waits for a worker.
	Queued Outcome = iota
	// AlreadyQueued means a write for the same key is pending.
	AlreadyQueued
	// WroteSynchronously means the budget was full and the caller wrote.
	WroteSynchronously
	// Dropped means the budget was full and the write was discarded.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case AlreadyQueued:
		return "already_queued"
	case WroteSynchronously:
		return "wrote_synchronously"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Write is one pending persistence. Data must not be modified.
type Write struct {
	Key         cachekey.Key
	ContentType string
	Data        []byte
	EnqueuedAt  time.Time
}

// Size returns the budget share of w.
func (w *Write) Size() int64 { return int64(len(w.Data)) }

// Config wires a Queue to its collaborators.
type Config struct {
	Blobs     blobstore.Store
	Meta      metastore.Store
	Existence *existence.Index // optional

	// Resources provides the byte budget, writer slots and IO limiter.
	Resources *resource.Controller

	// Workers is the number of background persistence goroutines.
	// Default: 1
	Workers int

	// WriteSynchronouslyWhenFull selects the full-budget policy.
	WriteSynchronouslyWhenFull bool

	// Locate maps a key to its blob location.
	// Default: shard 0.
	Locate func(cachekey.Key) metastore.BlobLocation

	// OnDone is called after every persistence attempt, including
	// synchronous ones. It may be called concurrently.
	OnDone func(w *Write, d time.Duration, err error)

	Clock  func() time.Time
	Logger *slog.Logger
}

// Stats are cumulative queue counters.
type Stats struct {
	Queued     int64
	Persisted  int64
	Failed     int64
	SyncWrites int64
	Dropped    int64
}

// Queue is the async write queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[cachekey.Key]*Write
	fifo    []*Write
	stopped bool

	notify chan struct{}
	quit   chan struct{}

	persistCtx context.Context
	abandon    context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	queued, persisted, failed, syncWrites, dropped atomic.Int64
}

// New creates a Queue. Start launches the workers.
func New(cfg Config) (*Queue, error) {
	if cfg.Blobs == nil || cfg.Meta == nil {
		return nil, errors.New("writequeue: blob store and metastore are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Locate == nil {
		cfg.Locate = func(k cachekey.Key) metastore.BlobLocation { return metastore.Locate(0, k) }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[cachekey.Key]*Write),
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		persistCtx: ctx,
		abandon:    cancel,
	}, nil
}

// Start launches the background workers. Calling it again is a no-op.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for range q.cfg.Workers {
			q.wg.Add(1)
			go q.worker()
		}
	})
}

// Enqueue hands data to the queue. The caller keeps using data; it must
// not modify it afterwards.
//
// With WriteSynchronouslyWhenFull, a write that does not fit the budget is
// persisted and flushed before Enqueue returns; its error is returned.
func (q *Queue) Enqueue(ctx context.Context, key cachekey.Key, contentType string, data []byte) (Outcome, error) {
	w := &Write{
		Key:         key,
		ContentType: contentType,
		Data:        data,
		EnqueuedAt:  q.cfg.Clock(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Dropped, ErrStopped
	}
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return AlreadyQueued, nil
	}
	budgetErr := q.cfg.Resources.TryAcquireQueue(w.Size())
	if budgetErr == nil {
		q.pending[key] = w
		q.fifo = append(q.fifo, w)
		q.mu.Unlock()

		q.queued.Add(1)
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return Queued, nil
	}
	q.mu.Unlock()

	if !q.cfg.WriteSynchronouslyWhenFull {
		q.dropped.Add(1)
		q.logger.Debug("write dropped", "key", key, "error", budgetErr)
		return Dropped, nil
	}

	q.syncWrites.Add(1)
	q.logger.Debug("writing synchronously", "key", key, "reason", budgetErr)
	start := time.Now()
	err := q.persist(ctx, w)
	if err == nil {
		err = q.cfg.Meta.Flush(ctx)
	}
	q.done(w, time.Since(start), err)
	return WroteSynchronously, err
}

// Get returns the pending write for key, if any.
func (q *Queue) Get(key cachekey.Key) (*Write, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.pending[key]
	return w, ok
}

// QueuedBytes returns the bytes held by pending writes.
func (q *Queue) QueuedBytes() int64 {
	return q.cfg.Resources.QueuedBytes()
}

// Len returns the number of pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns cumulative counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:     q.queued.Load(),
		Persisted:  q.persisted.Load(),
		Failed:     q.failed.Load(),
		SyncWrites: q.syncWrites.Load(),
		Dropped:    q.dropped.Load(),
	}
}

// Stop rejects new writes and drains pending ones until ctx is done.
// It returns how many pending writes were abandoned, and ctx.Err() if the
// drain did not finish in time.
func (q *Queue) Stop(ctx context.Context) (int, error) {
	var (
		dropped int
		err     error
	)
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		// Workers that were never started cannot drain.
		q.startOnce.Do(func() {})
		close(q.quit)

		finished := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			err = ctx.Err()
			q.abandon()
			<-finished
		}
		q.abandon()

		dropped = q.discardPending()
		q.dropped.Add(int64(dropped))
	})
	return dropped, err
}

func (q *Queue) discardPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.fifo)
	for _, w := range q.fifo {
		delete(q.pending, w.Key)
		q.cfg.Resources.ReleaseQueue(w.Size())
	}
	q.fifo = nil
	return n
}

func (q *Queue) pop() (*Write, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return nil, false
	}
	w := q.fifo[0]
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	return w, true
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		if q.persistCtx.Err() != nil {
			return
		}
		w, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.quit:
				// Drain what is left, then exit.
				if w, ok = q.pop(); !ok {
					return
				}
			}
		}

		start := time.Now()
		err := q.persist(q.persistCtx, w)
		q.finish(w)
		q.done(w, time.Since(start), err)
	}
}

// finish releases the pending slot. The metastore already holds the entry
// on success, so readers never observe a gap.
func (q *Queue) finish(w *Write) {
	q.mu.Lock()
	if cur, ok := q.pending[w.Key]; ok && cur == w {
		delete(q.pending, w.Key)
	}
	q.mu.Unlock()
	q.cfg.Resources.ReleaseQueue(w.Size())
}

func (q *Queue) done(w *Write, d time.Duration, err error) {
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("persist failed", "key", w.Key, "size", w.Size(), "error", err)
	} else {
		q.persisted.Add(1)
	}
	if q.cfg.OnDone != nil {
		q.cfg.OnDone(w, d, err)
	}
}

// persist stores the blob, then the entry, then the existence bit.
// A failure after the blob write removes the blob again.
func (q *Queue) persist(ctx context.Context, w *Write) error {
	res := q.cfg.Resources
	if err := res.AcquireWriter(ctx); err != nil {
		return err
	}
	defer res.ReleaseWriter()

	if err := res.AcquireIO(ctx, len(w.Data)); err != nil {
		return err
	}

	loc := q.cfg.Locate(w.Key)
	if err := q.cfg.Blobs.Put(ctx, loc.Path, w.Data); err != nil {
		return fmt.Errorf("writequeue: put blob %s: %w", loc.Path, err)
	}

	now := q.cfg.Clock()
	entry := metastore.Entry{
		Key:            w.Key,
		Location:       loc,
		Size:           w.Size(),
		ContentType:    w.ContentType,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := q.cfg.Meta.Put(ctx, entry); err != nil {
		if derr := q.cfg.Blobs.Delete(context.WithoutCancel(ctx), loc.Path); derr != nil {
			q.logger.Warn("orphan blob left after metastore failure", "path", loc.Path, "error", derr)
		}
		return fmt.Errorf("writequeue: index %s: %w", w.Key, err)
	}

	if x := q.cfg.Existence; x != nil {
		x.Set(x.Bucket(w.Key.Hash64()), true)
	}
	return nil
}
