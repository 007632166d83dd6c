package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Registry events
	EventTypePermissionRegister EventType = "rbac.permission_register"

	// Template events
	EventTypeTemplateCreate EventType = "rbac.template_create"
	EventTypeTemplateUpdate EventType = "rbac.template_update"
	EventTypeTemplateDelete EventType = "rbac.template_delete"
	EventTypeTemplateSync   EventType = "rbac.template_sync"

	// Role events
	EventTypeRoleCreate            EventType = "rbac.role_create"
	EventTypeRoleDelete            EventType = "rbac.role_delete"
	EventTypeRolePermissionsChange EventType = "rbac.role_permissions_change"

	// Override protocol events
	EventTypeOverrideCreate EventType = "rbac.override_create"
	EventTypeOverrideRevert EventType = "rbac.override_revert"

	// Assignment events
	EventTypeAssignmentGrant   EventType = "rbac.assignment_grant"
	EventTypeAssignmentRevoke  EventType = "rbac.assignment_revoke"
	EventTypeAssignmentReplace EventType = "rbac.assignment_replace"
	EventTypeSubjectPurge      EventType = "rbac.subject_purge"

	// Direct permission override events
	EventTypePermissionOverrideSet   EventType = "rbac.permission_override_set"
	EventTypePermissionOverrideClear EventType = "rbac.permission_override_clear"

	// Catalogue events
	EventTypeCatalogSync EventType = "rbac.catalog_sync"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// ResourceType represents the kind of entity an event touched
type ResourceType string

const (
	ResourceTypePermission         ResourceType = "permission"
	ResourceTypeTemplate           ResourceType = "template"
	ResourceTypeRole               ResourceType = "role"
	ResourceTypeAssignment         ResourceType = "assignment"
	ResourceTypePermissionOverride ResourceType = "permission_override"
	ResourceTypeSubject            ResourceType = "subject"
	ResourceTypeCatalog            ResourceType = "catalog"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	// Core fields
	ID          int64       `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	OperationID string      `json:"operation_id,omitempty"`
	EventType   EventType   `json:"event_type"`
	Status      EventStatus `json:"status"`

	// Who and where
	Actor          string `json:"actor,omitempty"`
	OrganisationID *int64 `json:"organisation_id,omitempty"`
	Subject        string `json:"subject,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	// Additional details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	OperationID    string
	Actor          string
	OrganisationID *int64
	Subject        string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortOrder string // "asc" or "desc"
}
