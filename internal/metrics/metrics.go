package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh entry was served.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupStale indicates an expired entry inside the hard max age was served.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupMiss indicates no usable entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the durable backing failed during read-through.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the durable backing rejected the write. The
	// in-memory copy is still kept.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for the resolution layer.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	gatewayAttempts *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec

	contentResolutions *prometheus.CounterVec

	scans        *prometheus.CounterVec
	scanBatches  prometheus.Counter
	scanDuration *prometheus.HistogramVec

	backgroundTasks *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "TTL cache store operations by namespace.",
	}, []string{"namespace", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerlens",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for TTL cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"namespace", "operation", "result"})

	gatewayAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "gateway",
		Name:      "attempts_total",
		Help:      "Gateway fetch attempts by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	gatewayLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerlens",
		Subsystem: "gateway",
		Name:      "attempt_duration_seconds",
		Help:      "Latency distribution for individual gateway attempts.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"gateway", "outcome"})

	contentResolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "content",
		Name:      "resolutions_total",
		Help:      "Content resolutions by the source that satisfied them.",
	}, []string{"source"})

	scans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "discovery",
		Name:      "scans_total",
		Help:      "Discovery scans by terminal status and reason.",
	}, []string{"status", "reason"})

	scanBatches := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "discovery",
		Name:      "batches_total",
		Help:      "Batches dispatched by the discovery scanner.",
	})

	scanDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerlens",
		Subsystem: "discovery",
		Name:      "scan_duration_seconds",
		Help:      "Wall time of discovery scans.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	backgroundTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerlens",
		Subsystem: "background",
		Name:      "tasks_total",
		Help:      "Background refresh tasks by kind and outcome.",
	}, []string{"kind", "outcome"})

	reg.MustRegister(
		cacheOperations, cacheLatency,
		gatewayAttempts, gatewayLatency,
		contentResolutions,
		scans, scanBatches, scanDuration,
		backgroundTasks,
	)

	return &Recorder{
		gatherer:           reg,
		handler:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		gatewayAttempts:    gatewayAttempts,
		gatewayLatency:     gatewayLatency,
		contentResolutions: contentResolutions,
		scans:              scans,
		scanBatches:        scanBatches,
		scanDuration:       scanDuration,
		backgroundTasks:    backgroundTasks,
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

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(namespace string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(namespace), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(namespace string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(namespace), CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(namespace string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(namespace, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(namespace, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveGatewayAttempt records a single attempt against one gateway candidate.
func (r *Recorder) ObserveGatewayAttempt(gateway, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	gw := normalizeLabel(gateway)
	out := normalizeLabel(outcome)
	r.gatewayAttempts.WithLabelValues(gw, out).Inc()
	r.gatewayLatency.WithLabelValues(gw, out).Observe(duration.Seconds())
}

// ObserveContentResolution records which path satisfied a content request
// (fresh, stale, fetched, inline, fallback).
func (r *Recorder) ObserveContentResolution(source string) {
	if r == nil {
		return
	}
	r.contentResolutions.WithLabelValues(normalizeLabel(source)).Inc()
}

// ObserveScanBatch counts a dispatched discovery batch.
func (r *Recorder) ObserveScanBatch() {
	if r == nil {
		return
	}
	r.scanBatches.Inc()
}

// ObserveScan records a finished discovery scan.
func (r *Recorder) ObserveScan(status, reason string, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := normalizeLabel(status)
	r.scans.WithLabelValues(statusLabel, normalizeLabel(reason)).Inc()
	r.scanDuration.WithLabelValues(statusLabel).Observe(duration.Seconds())
}

// ObserveBackgroundTask records the lifecycle of a fire-and-forget refresh
// (scheduled, skipped, completed, cancelled).
func (r *Recorder) ObserveBackgroundTask(kind, outcome string) {
	if r == nil {
		return
	}
	r.backgroundTasks.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
