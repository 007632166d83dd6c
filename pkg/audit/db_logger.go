package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// DBLogger writes audit events to the audit_logs table
type DBLogger struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB, dialect database.Dialect) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db:      db,
		dialect: dialect,
	}

	// Ensure the audit_logs table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	jsonType := "JSONB"
	if l.dialect == database.SQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		jsonType = "TEXT"
	}

	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		` + idColumn + `,
		timestamp TIMESTAMP NOT NULL,
		operation_id VARCHAR(64),
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor VARCHAR(255),
		organisation_id BIGINT,
		subject VARCHAR(100),
		resource_type VARCHAR(50),
		resource_id VARCHAR(255),
		resource_name VARCHAR(255),
		message TEXT,
		error_message TEXT,
		metadata ` + jsonType + `,
		changes ` + jsonType + `
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_operation_id ON audit_logs(operation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_organisation_id ON audit_logs(organisation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	metadataJSON, err := marshalNullable(event.Metadata, len(event.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	changesJSON, err := marshalNullable(event.Changes, event.Changes == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, operation_id, event_type, status,
			actor, organisation_id, subject,
			resource_type, resource_id, resource_name,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.OperationID, string(event.EventType), string(event.Status),
		event.Actor, event.OrganisationID, event.Subject,
		string(event.ResourceType), event.ResourceID, event.ResourceName,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// Search searches audit logs based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query := `
		SELECT
			id, timestamp, operation_id, event_type, status,
			actor, organisation_id, subject,
			resource_type, resource_id, resource_name,
			message, error_message, metadata, changes
		FROM audit_logs
		WHERE 1=1
	`

	args := []interface{}{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filter.StartTime != nil {
		add("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("timestamp <= $%d", *filter.EndTime)
	}
	if filter.OperationID != "" {
		add("operation_id = $%d", filter.OperationID)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.OrganisationID != nil {
		add("organisation_id = $%d", *filter.OrganisationID)
	}
	if filter.Subject != "" {
		add("subject = $%d", filter.Subject)
	}
	if len(filter.EventTypes) > 0 {
		query += " AND event_type IN (" + database.Placeholders(len(args)+1, len(filter.EventTypes)) + ")"
		for _, et := range filter.EventTypes {
			args = append(args, string(et))
		}
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", string(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}

	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}
	query += " ORDER BY timestamp " + order + ", id " + order

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return events, nil
}

// Cleanup removes audit logs older than the cutoff and returns how many
func (l *DBLogger) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}

func scanEvent(rows *sql.Rows) (*AuditEvent, error) {
	var event AuditEvent
	var operationID, actor, subject, resourceType, resourceID, resourceName, message, errorMessage sql.NullString
	var eventType, status string
	var orgID sql.NullInt64
	var metadataJSON, changesJSON []byte

	err := rows.Scan(
		&event.ID, &event.Timestamp, &operationID, &eventType, &status,
		&actor, &orgID, &subject,
		&resourceType, &resourceID, &resourceName,
		&message, &errorMessage, &metadataJSON, &changesJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	event.OperationID = operationID.String
	event.EventType = EventType(eventType)
	event.Status = EventStatus(status)
	event.Actor = actor.String
	event.Subject = subject.String
	event.ResourceType = ResourceType(resourceType.String)
	event.ResourceID = resourceID.String
	event.ResourceName = resourceName.String
	event.Message = message.String
	event.ErrorMessage = errorMessage.String
	if orgID.Valid {
		id := orgID.Int64
		event.OrganisationID = &id
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(changesJSON) > 0 {
		event.Changes = &ChangeDetails{}
		if err := json.Unmarshal(changesJSON, event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	return &event, nil
}

// marshalNullable encodes v as a JSON string, or NULL when empty
func marshalNullable(v interface{}, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
