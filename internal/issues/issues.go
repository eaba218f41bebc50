// Package issues keeps a bounded, de-duplicated list of non-fatal problems
// for health and diagnostics endpoints.
package issues

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind classifies an issue.
type Kind string

const (
	KindPersistence Kind = "persistence"
	KindReplay      Kind = "replay"
	KindEviction    Kind = "eviction"
	KindFlush       Kind = "flush"
	KindSnapshot    Kind = "snapshot"
)

// DefaultCapacity is the number of distinct issues kept by New(0).
const DefaultCapacity = 128

// Issue is one distinct problem. Repeats bump Count and Last.
type Issue struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Count   int64     `json:"count"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

type issueKey struct {
	kind Kind
	msg  string
}

// List is safe for concurrent use.
type List struct {
	mu       sync.Mutex
	capacity int
	items    map[issueKey]*Issue
	total    int64
	now      func() time.Time
}

// New creates a list holding at most capacity distinct issues.
// When full, the issue seen least recently is dropped.
func New(capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &List{
		capacity: capacity,
		items:    make(map[issueKey]*Issue),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *List) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Add records err under kind. A nil err or nil list is ignored.
func (l *List) Add(kind Kind, err error) {
	if l == nil || err == nil {
		return
	}
	l.Record(kind, err.Error())
}

// Record records a message under kind.
func (l *List) Record(kind Kind, msg string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.total++

	k := issueKey{kind: kind, msg: msg}
	if it, ok := l.items[k]; ok {
		it.Count++
		it.Last = now
		return
	}
	if len(l.items) >= l.capacity {
		l.evictOldest()
	}
	l.items[k] = &Issue{Kind: kind, Message: msg, Count: 1, First: now, Last: now}
}

func (l *List) evictOldest() {
	var oldest issueKey
	var found bool
	for k, it := range l.items {
		if !found || it.Last.Before(l.items[oldest].Last) {
			oldest, found = k, true
		}
	}
	if found {
		delete(l.items, oldest)
	}
}

// Snapshot returns a copy of all issues, most recent first.
func (l *List) Snapshot() []Issue {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	out := make([]Issue, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, *it)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Last.Equal(out[j].Last) {
			return out[i].Last.After(out[j].Last)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Len returns the number of distinct issues held.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Total returns how many issues were recorded, repeats included.
func (l *List) Total() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Clear drops all issues.
func (l *List) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	clear(l.items)
	l.mu.Unlock()
}

// Has reports whether an issue of kind containing substr was recorded.
func (l *List) Has(kind Kind, substr string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.items {
		if k.kind == kind && strings.Contains(k.msg, substr) {
			return true
		}
	}
	return false
}
