// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundEvents counts accepted inbound events by type
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_inbound_events_total",
		Help: "Total inbound events",
	}, []string{"event_type"})

	// OutboundCalls counts outbound API calls by endpoint name
	OutboundCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_outbound_calls_total",
		Help: "Total outbound API calls",
	}, []string{"api"})

	// OutboundFailures counts failed outbound API calls by endpoint and code
	OutboundFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_outbound_failures_total",
		Help: "Total outbound API failures",
	}, []string{"api", "code"})

	// CacheRequests counts cache lookups by cache name and result
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_cache_requests_total",
		Help: "Cache requests by result",
	}, []string{"cache", "result"})

	// PolicyBlocks counts events dropped by policy gates
	PolicyBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_policy_blocks_total",
		Help: "Events blocked by bridge policy",
	}, []string{"reason"})

	// Degraded counts deliveries that completed in degraded form
	Degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_degraded_total",
		Help: "Deliveries degraded by truncation or failure notices",
	}, []string{"reason"})

	// QueueDepth tracks in-flight webhook tasks
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_depth",
		Help: "Current webhook queue depth",
	})

	// ProcessingDuration observes per-stage processing latency
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_processing_duration_seconds",
		Help:    "Processing duration by stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

// RecordCacheHit records a cache hit for the named cache
func RecordCacheHit(cache string) {
	CacheRequests.WithLabelValues(cache, "hit").Inc()
}

// RecordCacheMiss records a cache miss for the named cache
func RecordCacheMiss(cache string) {
	CacheRequests.WithLabelValues(cache, "miss").Inc()
}

// QueueTaskGuard bumps the queue depth gauge for the lifetime of a task
type QueueTaskGuard struct{}

// BeginQueueTask increments the queue depth and returns a guard to release it
func BeginQueueTask() *QueueTaskGuard {
	QueueDepth.Inc()
	return &QueueTaskGuard{}
}

// Done releases the queue slot
func (g *QueueTaskGuard) Done() {
	QueueDepth.Dec()
}
