// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	importCounter       *prometheus.CounterVec
	importDuration      *prometheus.HistogramVec
	featuresCopied      prometheus.Counter
	featureSkips        prometheus.Counter
	handlerRuns         *prometheus.CounterVec
	jobsQueued          prometheus.Gauge
	jobsRunning         prometheus.Gauge
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "strata"
	}

	return &Collector{
		importCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imports_total",
				Help:      "Total number of layer imports",
			},
			[]string{"layer_type", "status"},
		),

		importDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_duration_seconds",
				Help:      "Layer import duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"layer_type"},
		),

		featuresCopied: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_copied_total",
				Help:      "Total number of features copied into the target store",
			},
		),

		featureSkips: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_skips_total",
				Help:      "Total number of features dropped during import",
			},
		),

		handlerRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_runs_total",
				Help:      "Total number of pipeline handler executions",
			},
			[]string{"handler", "status"},
		),

		jobsQueued: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_queued",
				Help:      "Number of queued import jobs",
			},
		),

		jobsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Number of running import jobs",
			},
		),

		storageOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncImportCount increments the per-layer import counter.
func (c *Collector) IncImportCount(layerType string, success bool) {
	c.importCounter.WithLabelValues(layerType, statusLabel(success)).Inc()
}

// ObserveImportDuration records one layer's import duration.
func (c *Collector) ObserveImportDuration(layerType string, duration time.Duration) {
	c.importDuration.WithLabelValues(layerType).Observe(duration.Seconds())
}

// AddFeaturesCopied adds to the copied-feature counter.
func (c *Collector) AddFeaturesCopied(n int64) {
	c.featuresCopied.Add(float64(n))
}

// IncFeatureSkips counts features dropped after all fallbacks.
func (c *Collector) IncFeatureSkips() {
	c.featureSkips.Inc()
}

// IncHandlerRuns counts handler executions by name and outcome.
func (c *Collector) IncHandlerRuns(handler string, success bool) {
	c.handlerRuns.WithLabelValues(handler, statusLabel(success)).Inc()
}

// SetJobsQueued sets the number of queued import jobs.
func (c *Collector) SetJobsQueued(count int) {
	c.jobsQueued.Set(float64(count))
}

// SetJobsRunning sets the number of running import jobs.
func (c *Collector) SetJobsRunning(count int) {
	c.jobsRunning.Set(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, statusLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes the URL path for metrics.
func normalizePath(path string) string {
	// Replace dynamic segments with placeholders
	// This prevents high cardinality metrics
	switch {
	case len(path) > 20:
		return path[:20] + "..."
	default:
		return path
	}
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
