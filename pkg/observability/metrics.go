package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics, which records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// RBAC engine metrics
	PermissionChecksTotal   *prometheus.CounterVec
	OperationsTotal         *prometheus.CounterVec
	OperationDuration       *prometheus.HistogramVec
	MigratedAssignments     *prometheus.CounterVec
	CacheLookupsTotal       *prometheus.CounterVec
	CacheErrorsTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Catalogue sync metrics
	CatalogSyncsTotal     *prometheus.CounterVec
	CatalogTemplatesTotal *prometheus.CounterVec
	CatalogLastSync       prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_permission_checks_total",
				Help: "Total number of permission checks by result and deciding rule",
			},
			[]string{"result", "source"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_operations_total",
				Help: "Total number of RBAC engine operations",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_rbac_operation_duration_seconds",
				Help:    "RBAC engine operation duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		MigratedAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_migrated_assignments_total",
				Help: "Role assignments moved between system and override roles",
			},
			[]string{"operation"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_cache_lookups_total",
				Help: "Permission cache lookups by result",
			},
			[]string{"result"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_cache_errors_total",
				Help: "Permission cache errors by operation",
			},
			[]string{"operation"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_rbac_cache_invalidations_total",
				Help: "Permission cache invalidations by scope",
			},
			[]string{"scope"},
		),

		CatalogSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_catalog_syncs_total",
				Help: "Catalogue sync runs by status",
			},
			[]string{"status"},
		),
		CatalogTemplatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_catalog_templates_total",
				Help: "System templates processed by catalogue sync, by outcome",
			},
			[]string{"outcome"},
		),
		CatalogLastSync: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_catalog_last_sync_timestamp_seconds",
				Help: "Unix time of the last successful catalogue sync",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_db_connections_active",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.OperationsTotal,
		m.OperationDuration,
		m.MigratedAssignments,
		m.CacheLookupsTotal,
		m.CacheErrorsTotal,
		m.CacheInvalidationsTotal,
		m.CatalogSyncsTotal,
		m.CatalogTemplatesTotal,
		m.CatalogLastSync,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// WithOTel mirrors engine measurements onto OpenTelemetry instruments
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

// RecordPermissionCheck counts one permission decision
func (m *Metrics) RecordPermissionCheck(allowed bool, source string) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(result, source).Inc()
	m.otel.recordCheck(result, source)
}

// RecordOperation counts an engine operation and observes its duration
func (m *Metrics) RecordOperation(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
	m.otel.recordOperation(operation, status, d)
}

// RecordMigratedAssignments counts assignments moved by an operation
func (m *Metrics) RecordMigratedAssignments(operation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MigratedAssignments.WithLabelValues(operation).Add(float64(n))
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheError counts a failed cache operation
func (m *Metrics) RecordCacheError(operation string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordCacheInvalidation counts an invalidation by scope
func (m *Metrics) RecordCacheInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(scope).Inc()
}

// RecordCatalogSync counts a sync run and its per-template outcomes
func (m *Metrics) RecordCatalogSync(status string, outcomes map[string]int) {
	if m == nil {
		return
	}
	m.CatalogSyncsTotal.WithLabelValues(status).Inc()
	for outcome, n := range outcomes {
		m.CatalogTemplatesTotal.WithLabelValues(outcome).Add(float64(n))
	}
	if status == "success" {
		m.CatalogLastSync.SetToCurrentTime()
	}
}

// RecordDBStats publishes connection pool statistics
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
