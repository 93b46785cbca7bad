// Package middleware provides HTTP middleware components for the ReceiptRelay server.
// This file contains the Prometheus collectors shared by the HTTP layer and the relay core.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// dispatchAttemptsTotal counts physical upstream calls by dispatcher and outcome.
	dispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_attempts_total",
			Help: "Upstream calls issued by the dispatchers",
		},
		[]string{"dispatcher", "outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Jobs waiting in a dispatcher queue",
		},
		[]string{"dispatcher"},
	)

	parallelRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_parallel_running",
			Help: "Jobs currently running in the parallel dispatcher",
		},
	)

	credentialsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_credentials",
			Help: "Pooled credentials by state",
		},
		[]string{"state"},
	)

	credentialFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_credential_failures_total",
			Help: "Failures reported against pooled credentials",
		},
		[]string{"kind"},
	)

	// Result cache metrics
	resultCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_requests_total",
			Help: "Result cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)
	resultCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_cache_size",
			Help: "Current number of entries in the result cache",
		},
	)

	backoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_backoff_seconds",
			Help:    "Delays waited before retrying an upstream call",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		dispatchAttemptsTotal,
		queueDepth,
		parallelRunning,
		credentialsGauge,
		credentialFailuresTotal,
		resultCacheRequestsTotal,
		resultCacheSize,
		backoffSeconds,
	)
}

// PrometheusMiddleware returns a Gin middleware that counts requests and
// measures their latency.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		path := normalizePath(c)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath prefers the matched route template to keep label cardinality bounded.
func normalizePath(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	path := c.Request.URL.Path
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return strings.TrimSpace(path)
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDispatchAttempt counts one upstream call. outcome is "success" or a failure kind.
func RecordDispatchAttempt(dispatcher, outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	dispatchAttemptsTotal.WithLabelValues(dispatcher, outcome).Inc()
}

// SetQueueDepth publishes the pending job count of a dispatcher.
func SetQueueDepth(dispatcher string, depth int) {
	if !IsMetricsEnabled() {
		return
	}
	queueDepth.WithLabelValues(dispatcher).Set(float64(depth))
}

// SetParallelRunning publishes the number of running parallel jobs.
func SetParallelRunning(n int) {
	if !IsMetricsEnabled() {
		return
	}
	parallelRunning.Set(float64(n))
}

// SetCredentialCounts publishes active and disabled credential counts.
func SetCredentialCounts(active, disabled int) {
	if !IsMetricsEnabled() {
		return
	}
	credentialsGauge.WithLabelValues("active").Set(float64(active))
	credentialsGauge.WithLabelValues("disabled").Set(float64(disabled))
}

// RecordCredentialFailure counts a failure reported to the credential pool.
func RecordCredentialFailure(kind string) {
	if !IsMetricsEnabled() {
		return
	}
	credentialFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordResultCache counts a result cache lookup; result is hit, miss or bypass.
func RecordResultCache(result string) {
	if !IsMetricsEnabled() {
		return
	}
	resultCacheRequestsTotal.WithLabelValues(result).Inc()
}

// SetResultCacheSize sets the current result cache size gauge.
func SetResultCacheSize(size int) {
	if !IsMetricsEnabled() {
		return
	}
	resultCacheSize.Set(float64(size))
}

// ObserveBackoff records a retry delay.
func ObserveBackoff(d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	backoffSeconds.Observe(d.Seconds())
}
