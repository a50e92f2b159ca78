// Package metrics exposes the Prometheus collectors used by the signal service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Record store operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Image blob operation metrics
	MediaOperationTotal *prometheus.CounterVec
	MediaBytesTotal     *prometheus.CounterVec

	// Schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec

	// Role checks that refused an operation
	AuthzDeniedTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_storage_operations_total",
			Help: "Total number of record store operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_storage_operation_duration_seconds",
			Help:    "Record store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		MediaOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_media_operations_total",
			Help: "Total number of image blob operations",
		}, []string{"operation", "status"}),

		MediaBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_media_bytes_total",
			Help: "Image bytes written and read",
		}, []string{"direction"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"document", "status"}),

		AuthzDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_authz_denied_total",
			Help: "Operations refused by the role policy",
		}, []string{"operation"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.MediaOperationTotal)
	registerOrGet(m.MediaBytesTotal)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.AuthzDeniedTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// ObserveStorage records one record store call.
func (m *Metrics) ObserveStorage(operation string, start time.Time, err error) {
	m.StorageOperationTotal.WithLabelValues(operation, outcome(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveMedia records one image blob call. n is the number of bytes moved.
func (m *Metrics) ObserveMedia(operation string, n int, err error) {
	m.MediaOperationTotal.WithLabelValues(operation, outcome(err)).Inc()
	if err != nil || n == 0 {
		return
	}
	switch operation {
	case "put":
		m.MediaBytesTotal.WithLabelValues("in").Add(float64(n))
	case "get":
		m.MediaBytesTotal.WithLabelValues("out").Add(float64(n))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
