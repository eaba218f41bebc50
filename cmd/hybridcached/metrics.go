package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/hybridcache"
)

// PrometheusCollector implements hybridcache.MetricsCollector.
type PrometheusCollector struct {
	lookups      *prometheus.HistogramVec
	produce      *prometheus.HistogramVec
	writes       *prometheus.CounterVec
	writtenBytes prometheus.Counter
	evictions    prometheus.Counter
	evictedBytes prometheus.Counter
	queueBytes   prometheus.Gauge
	queueItems   prometheus.Gauge
}

var _ hybridcache.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers it with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		lookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybridcache_lookup_duration_seconds",
			Help:    "Latency of GetOrCreate by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		produce: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybridcache_produce_duration_seconds",
			Help:    "Latency of origin fetches",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridcache_writes_total",
			Help: "Persistence attempts",
		}, []string{"status"}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hybridcache_written_bytes_total",
			Help: "Bytes persisted to the blob store",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hybridcache_evictions_total",
			Help: "Entries removed by cleanup",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hybridcache_evicted_bytes_total",
			Help: "Bytes removed by cleanup",
		}),
		queueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcache_queue_bytes",
			Help: "Bytes waiting in the write queue",
		}),
		queueItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcache_queue_items",
			Help: "Writes waiting in the write queue",
		}),
	}

	reg.MustRegister(
		c.lookups,
		c.produce,
		c.writes,
		c.writtenBytes,
		c.evictions,
		c.evictedBytes,
		c.queueBytes,
		c.queueItems,
	)
	return c
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordLookup implements hybridcache.MetricsCollector.
func (c *PrometheusCollector) RecordLookup(status hybridcache.Status, d time.Duration) {
	c.lookups.WithLabelValues(status.String()).Observe(d.Seconds())
}

// RecordProduce implements hybridcache.MetricsCollector.
func (c *PrometheusCollector) RecordProduce(d time.Duration, err error) {
	c.produce.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// RecordWrite implements hybridcache.MetricsCollector.
func (c *PrometheusCollector) RecordWrite(bytes int64, _ time.Duration, err error) {
	c.writes.WithLabelValues(statusLabel(err)).Inc()
	if err == nil {
		c.writtenBytes.Add(float64(bytes))
	}
}

// RecordEviction implements hybridcache.MetricsCollector.
func (c *PrometheusCollector) RecordEviction(victims int, bytes int64) {
	c.evictions.Add(float64(victims))
	c.evictedBytes.Add(float64(bytes))
}

// RecordQueue implements hybridcache.MetricsCollector.
func (c *PrometheusCollector) RecordQueue(bytes int64, items int) {
	c.queueBytes.Set(float64(bytes))
	c.queueItems.Set(float64(items))
}
