// Package audit records an append-only trail of RBAC mutations.
//
// # Overview
//
// Every successful mutation of the RBAC engine (template and role changes,
// overrides and reverts, assignments, direct permission overrides and
// catalogue syncs) is written as one AuditEvent. Events emitted by a single
// engine call share an OperationID so a multi-step change can be followed.
//
// # Sinks
//
//	DBLogger    - audit_logs table in the RBAC database, searchable
//	FileLogger  - JSON lines with size based rotation
//	MultiLogger - fan-out to several sinks
//	NopLogger   - discards everything
//
// # Usage Example
//
//	logger, err := audit.NewDBLogger(db, database.Postgres)
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	ctx = audit.WithActor(ctx, "ops@example.com")
//	event := audit.NewEvent(ctx, audit.EventTypeOverrideCreate)
//	event.ResourceType = audit.ResourceTypeRole
//	event.ResourceID = "42"
//	_ = logger.Log(ctx, event)
package audit
