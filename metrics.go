package hybridcache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Implementations must be safe for concurrent use and should not block.
type MetricsCollector interface {
	// RecordLookup is called once per GetOrCreate that did not fail.
	RecordLookup(status Status, duration time.Duration)

	// RecordProduce is called after each producer invocation.
	RecordProduce(duration time.Duration, err error)

	// RecordWrite is called after each persistence attempt.
	RecordWrite(bytes int64, duration time.Duration, err error)

	// RecordEviction is called after each cleanup run.
	RecordEviction(victims int, bytes int64)

	// RecordQueue reports the current write queue occupancy.
	RecordQueue(bytes int64, items int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLookup(Status, time.Duration)      {}
func (NoopMetricsCollector) RecordProduce(time.Duration, error)      {}
func (NoopMetricsCollector) RecordWrite(int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordEviction(int, int64)               {}
func (NoopMetricsCollector) RecordQueue(int64, int)                  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	Hits              atomic.Int64
	PendingHits       atomic.Int64
	Misses            atomic.Int64
	LookupTotalNanos  atomic.Int64
	ProduceCount      atomic.Int64
	ProduceErrors     atomic.Int64
	ProduceTotalNanos atomic.Int64
	WriteCount        atomic.Int64
	WriteErrors       atomic.Int64
	WriteBytes        atomic.Int64
	EvictedEntries    atomic.Int64
	EvictedBytes      atomic.Int64
	QueueBytes        atomic.Int64
	QueueItems        atomic.Int64
}

// RecordLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLookup(status Status, duration time.Duration) {
	switch status {
	case StatusHit:
		b.Hits.Add(1)
	case StatusPendingHit:
		b.PendingHits.Add(1)
	default:
		b.Misses.Add(1)
	}
	b.LookupTotalNanos.Add(duration.Nanoseconds())
}

// RecordProduce implements MetricsCollector.
func (b *BasicMetricsCollector) RecordProduce(duration time.Duration, err error) {
	b.ProduceCount.Add(1)
	b.ProduceTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ProduceErrors.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(bytes int64, _ time.Duration, err error) {
	b.WriteCount.Add(1)
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteBytes.Add(bytes)
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(victims int, bytes int64) {
	b.EvictedEntries.Add(int64(victims))
	b.EvictedBytes.Add(bytes)
}

// RecordQueue implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueue(bytes int64, items int) {
	b.QueueBytes.Store(bytes)
	b.QueueItems.Store(int64(items))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	lookups := b.Hits.Load() + b.PendingHits.Load() + b.Misses.Load()
	return BasicMetricsStats{
		Hits:            b.Hits.Load(),
		PendingHits:     b.PendingHits.Load(),
		Misses:          b.Misses.Load(),
		LookupAvgNanos:  avg(b.LookupTotalNanos.Load(), lookups),
		ProduceCount:    b.ProduceCount.Load(),
		ProduceErrors:   b.ProduceErrors.Load(),
		ProduceAvgNanos: avg(b.ProduceTotalNanos.Load(), b.ProduceCount.Load()),
		WriteCount:      b.WriteCount.Load(),
		WriteErrors:     b.WriteErrors.Load(),
		WriteBytes:      b.WriteBytes.Load(),
		EvictedEntries:  b.EvictedEntries.Load(),
		EvictedBytes:    b.EvictedBytes.Load(),
		QueueBytes:      b.QueueBytes.Load(),
		QueueItems:      b.QueueItems.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	Hits            int64
	PendingHits     int64
	Misses          int64
	LookupAvgNanos  int64
	ProduceCount    int64
	ProduceErrors   int64
	ProduceAvgNanos int64
	WriteCount      int64
	WriteErrors     int64
	WriteBytes      int64
	EvictedEntries  int64
	EvictedBytes    int64
	QueueBytes      int64
	QueueItems      int64
}
