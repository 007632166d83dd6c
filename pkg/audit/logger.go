package audit

import (
	"context"
	"time"
)

// Logger is the interface for audit sinks
type Logger interface {
	// Log writes an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes and releases the sink
	Close() error
}

// contextKey is the type for context keys
type contextKey string

const (
	actorKey       contextKey = "audit_actor"
	operationIDKey contextKey = "audit_operation_id"
)

// WithActor records who performs the operations run with ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor set with WithActor
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}

// WithOperationID tags events logged with ctx as one operation
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationIDFromContext returns the id set with WithOperationID
func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// NewEvent builds a successful event stamped with the actor and operation
// id carried by ctx
func NewEvent(ctx context.Context, eventType EventType) *AuditEvent {
	return &AuditEvent{
		Timestamp:   time.Now().UTC(),
		OperationID: OperationIDFromContext(ctx),
		EventType:   eventType,
		Status:      EventStatusSuccess,
		Actor:       ActorFromContext(ctx),
		Metadata:    make(map[string]interface{}),
	}
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(context.Context, *AuditEvent) error { return nil }

func (NopLogger) Close() error { return nil }
