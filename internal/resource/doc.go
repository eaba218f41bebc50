// Package resource bounds the shared resources of the write path.
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Controller                        │
//	├──────────────────┬──────────────────┬────────────────────┤
//	│  Queue budget    │  Writer slots    │  IO rate limiter   │
//	│  (fail-fast)     │  (semaphore)     │  (token bucket)    │
//	├──────────────────┼──────────────────┼────────────────────┤
//	│  TryAcquireQueue │  AcquireWriter   │  AcquireIO         │
//	│  ReleaseQueue    │  ReleaseWriter   │                    │
//	│  QueuedBytes     │                  │                    │
//	└──────────────────┴──────────────────┴────────────────────┘
//
// The queue budget caps the bytes held in memory by pending writes. It never
// blocks: the write queue decides what to do when the budget is exhausted.
//
//	rc := resource.NewController(resource.Config{QueueLimitBytes: 64 << 20})
//	if err := rc.TryAcquireQueue(int64(len(data))); err != nil {
//	    // errors.Is(err, resource.ErrBudgetExceeded): apply the full-queue policy
//	}
//	defer rc.ReleaseQueue(int64(len(data)))
//
// Writer slots bound concurrent blob writes. The IO limiter throttles blob
// writes and eviction deletes so that background work cannot starve reads.
//
// All methods are safe for concurrent use and are no-ops on a nil Controller.
package resource
