// Package observability exposes prometheus metrics for the risk service.
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

	fallbackAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_attempts_total",
			Help: "Fallback tier attempts by outcome.",
		},
		[]string{"tier", "outcome"},
	)

	fallbackTierSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fallback_tier_duration_seconds",
			Help:    "Time spent inside one fallback tier.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"tier"},
	)

	fallbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fallback_depth",
			Help:    "How many tiers were attempted before a result was served.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	fallbackCompletedSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fallback_completed_duration_seconds",
			Help:    "Total orchestration time by serving tier.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"tier"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries evicted by capacity pressure.",
		},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveTierAttempt(tier, outcome string, durationSeconds float64) {
	fallbackAttemptsTotal.WithLabelValues(tier, outcome).Inc()
	fallbackTierSeconds.WithLabelValues(tier).Observe(durationSeconds)
}

func ObserveFallbackDepth(depth int) {
	fallbackDepth.Observe(float64(depth))
}

func ObserveFallbackComplete(tier string, durationSeconds float64) {
	fallbackCompletedSeconds.WithLabelValues(tier).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func IncCacheEviction() { cacheEvictionsTotal.Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpSeconds.WithLabelValues(op, result).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
