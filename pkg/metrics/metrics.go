// Package metrics exposes Prometheus instrumentation for the sync engine,
// the Cloudflare client and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync engine
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlscope_sync_runs_total",
			Help: "Total number of account sync runs by result",
		},
		[]string{"result"}, // "success", "error", "skipped"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlscope_sync_duration_seconds",
			Help:    "Duration of account sync runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncRowsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlscope_sync_rows_fetched_total",
			Help: "Total analytics rows fetched from Cloudflare",
		},
	)

	SyncPagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlscope_sync_pages_fetched_total",
			Help: "Total analytics pages fetched from Cloudflare",
		},
	)

	// SyncTruncatedBuckets counts hour buckets that held more rows than one page could return.
	SyncTruncatedBuckets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlscope_sync_truncated_buckets_total",
			Help: "Hour buckets skipped because a single page could not hold them",
		},
	)

	RollupRowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlscope_rollup_rows_upserted_total",
			Help: "Total rollup rows upserted by table",
		},
		[]string{"table"}, // "crawler_snapshots", "crawler_paths"
	)

	SyncQueueTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlscope_sync_queue_tasks",
			Help: "Background sync tasks by state",
		},
		[]string{"state"},
	)

	// Cloudflare client
	CloudflareRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlscope_cloudflare_requests_total",
			Help: "Total Cloudflare API requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	CloudflareRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlscope_cloudflare_request_duration_seconds",
			Help:    "Duration of Cloudflare API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlscope_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlscope_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlscope_api_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlscope_api_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveSync records one finished sync run.
func ObserveSync(result string, elapsed time.Duration) {
	SyncRuns.WithLabelValues(result).Inc()
	if result != "skipped" {
		SyncDuration.Observe(elapsed.Seconds())
	}
}

// ObserveCloudflareRequest records one Cloudflare API call.
func ObserveCloudflareRequest(operation string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CloudflareRequests.WithLabelValues(operation, result).Inc()
	CloudflareRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
