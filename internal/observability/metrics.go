// Package observability holds the Prometheus collectors of the server.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	tileResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_results_total",
			Help: "Tile pipeline results by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	tileRenderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_render_duration_seconds",
			Help:    "Time spent producing a tile, including queueing on the worker pool.",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 14),
		},
		[]string{"kind"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)
)

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveTile records the outcome of one pipeline run.
func ObserveTile(kind, outcome string, durationSeconds float64) {
	tileResultsTotal.WithLabelValues(kind, outcome).Inc()
	tileRenderDurationSeconds.WithLabelValues(kind).Observe(durationSeconds)
}

// ObserveUpstreamLatency records a call to a database, object store or API.
func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// RegisterWorkerPool exposes queue depth and busy workers of the pool.
func RegisterWorkerPool(queued, running func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "worker_pool_tasks",
		Help:        "Tasks on the blocking-work pool by state.",
		ConstLabels: prometheus.Labels{"state": "queued"},
	}, func() float64 { return float64(queued()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "worker_pool_tasks",
		Help:        "Tasks on the blocking-work pool by state.",
		ConstLabels: prometheus.Labels{"state": "running"},
	}, func() float64 { return float64(running()) })
}
