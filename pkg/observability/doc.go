// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup and health checks for the RBAC services.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("organisation_id", 42).Info("Override created")
//
// Loggers write one JSON object per line. UpdateLoggerWithTraceContext adds
// trace_id and span_id when the context carries a recording span.
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordPermissionCheck(true, "role")
//
// Every Record method accepts a nil *Metrics. WithOTel mirrors checks and
// operations to the OpenTelemetry meter provider.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, cache, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// The store is required for readiness. An unreachable cache or a failed
// catalogue sync reports degraded.
package observability
