package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds the OpenTelemetry instruments exported through the
// meter provider set up by InitOTel
type OTelMetrics struct {
	permissionChecks  metric.Int64Counter
	operations        metric.Int64Counter
	operationDuration metric.Float64Histogram
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/taskforge")

	m := &OTelMetrics{}
	var err error

	m.permissionChecks, err = meter.Int64Counter(
		"rbac.permission.checks",
		metric.WithDescription("Permission checks by result and deciding rule"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission checks counter: %w", err)
	}

	m.operations, err = meter.Int64Counter(
		"rbac.operations",
		metric.WithDescription("RBAC engine operations by status"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	m.operationDuration, err = meter.Float64Histogram(
		"rbac.operation.duration",
		metric.WithDescription("RBAC engine operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordCheck(result, source string) {
	if m == nil {
		return
	}
	m.permissionChecks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("source", source),
	))
}

func (m *OTelMetrics) recordOperation(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.operations.Add(context.Background(), 1, attrs)
	m.operationDuration.Record(context.Background(), d.Seconds(), attrs)
}
