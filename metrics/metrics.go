// Package metrics publishes Prometheus metrics for cache, queue, and sync
// activity. Recording is purely observational; a nil Recorder is a no-op so
// hosts that do not scrape metrics pay nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOutcome captures the result of a cache read.
type CacheOutcome string

const (
	// CacheHit indicates the read was served from the local store.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates the read fell through to the network executor.
	CacheMiss CacheOutcome = "miss"
	// CacheError indicates the read failed.
	CacheError CacheOutcome = "error"
)

// SyncOutcome captures the result of one sync pass.
type SyncOutcome string

const (
	// SyncCompleted indicates the pass drained the queue snapshot.
	SyncCompleted SyncOutcome = "completed"
	// SyncSkipped indicates policy constraints aborted the pass.
	SyncSkipped SyncOutcome = "skipped"
	// SyncFailed indicates a pass-level failure such as persistence errors.
	SyncFailed SyncOutcome = "failed"
)

// Recorder publishes Prometheus metrics for offline component activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheReads   *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec

	queueDepth      prometheus.Gauge
	queueOperations *prometheus.CounterVec

	syncPasses   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncedTotal  prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Cache reads by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offsync",
		Subsystem: "cache",
		Name:      "read_duration_seconds",
		Help:      "Latency distribution for cache reads.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"strategy", "outcome"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending requests currently in the offline queue.",
	})

	queueOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Queue mutations by operation.",
	}, []string{"operation"})

	syncPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes by outcome.",
	}, []string{"outcome"})

	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offsync",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Latency distribution for completed sync passes.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"})

	syncedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "sync",
		Name:      "requests_synced_total",
		Help:      "Queued requests successfully drained across all passes.",
	})

	reg.MustRegister(cacheReads, cacheLatency, queueDepth, queueOperations, syncPasses, syncDuration, syncedTotal)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheReads:      cacheReads,
		cacheLatency:    cacheLatency,
		queueDepth:      queueDepth,
		queueOperations: queueOperations,
		syncPasses:      syncPasses,
		syncDuration:    syncDuration,
		syncedTotal:     syncedTotal,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheRead records the outcome and latency of one cache read.
func (r *Recorder) ObserveCacheRead(strategy string, outcome CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(CacheMiss)
	}
	r.cacheReads.WithLabelValues(strategyLabel, outcomeLabel).Inc()
	r.cacheLatency.WithLabelValues(strategyLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveQueueDepth records the current number of pending requests.
func (r *Recorder) ObserveQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveQueueOperation counts one queue mutation (enqueue, succeeded, failed,
// exhausted, clear).
func (r *Recorder) ObserveQueueOperation(operation string) {
	if r == nil {
		return
	}
	r.queueOperations.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveSyncPass records the outcome, drained count, and duration of one
// sync pass.
func (r *Recorder) ObserveSyncPass(outcome SyncOutcome, synced int, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(SyncFailed)
	}
	r.syncPasses.WithLabelValues(outcomeLabel).Inc()
	r.syncDuration.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
	if synced > 0 {
		r.syncedTotal.Add(float64(synced))
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
