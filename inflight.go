package hybridcache

import "sync"

// inflight counts running GetOrCreate work so that Stop can wait for it
// before it saves the existence bitmap.
type inflight struct {
	mu      sync.Mutex
	n       int
	closing bool
	idle    chan struct{}
}

// enter registers one operation. Once closing, only nested work (a
// producer started by a registered call) is admitted, and only while
// something else is still registered.
func (f *inflight) enter(nested bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing && (!nested || f.n == 0) {
		return false
	}
	f.n++
	return true
}

func (f *inflight) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

// close refuses new operations and returns a channel that is closed once
// none are running.
func (f *inflight) close() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = true
	ch := make(chan struct{})
	if f.n == 0 {
		close(ch)
	} else {
		f.idle = ch
	}
	return ch
}
