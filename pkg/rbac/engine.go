package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/taskforge/pkg/audit"
	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

var tracer = otel.Tracer("taskforge/rbac")

// Engine is the entry point to the RBAC stores. It adds what the stores
// leave to their callers: membership checks, cache invalidation after
// commit, tracing, metrics, logging and the audit trail.
type Engine struct {
	base

	Registry    *Registry
	Templates   *Templates
	Roles       *Roles
	Assignments *Assignments
	Overrides   *UserOverrides
	Protocol    *Protocol
	Resolver    *Resolver

	cache      Cache
	logger     *observability.Logger
	metrics    *observability.Metrics
	audit      audit.Logger
	membership Membership
}

// Option configures an Engine
type Option func(*Engine)

// WithCache sets the effective permission cache
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the structured logger
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLogger sets the audit sink for mutations
func WithAuditLogger(l audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithMembership makes the engine refuse roles and overrides for subjects
// outside the organisation
func WithMembership(m Membership) Option {
	return func(e *Engine) { e.membership = m }
}

// NewEngine wires the stores around one database handle
func NewEngine(db *sql.DB, dialect database.Dialect, opts ...Option) *Engine {
	e := &Engine{
		base:   base{db: db, dialect: dialect},
		cache:  NopCache{},
		logger: observability.NewLogger(observability.InfoLevel, nil),
		audit:  audit.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NopCache{}
	}
	if e.audit == nil {
		e.audit = audit.NopLogger{}
	}
	if e.logger == nil {
		e.logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	e.Registry = NewRegistry(db, dialect)
	e.Templates = NewTemplates(db, dialect)
	e.Roles = NewRoles(db, dialect)
	e.Assignments = NewAssignments(db, dialect)
	e.Overrides = NewUserOverrides(db, dialect)
	e.Protocol = NewProtocol(db, dialect)
	e.Resolver = NewResolver(db, dialect, e.cache)
	e.Resolver.logger = e.logger
	e.Resolver.metrics = e.metrics
	return e
}

// Migrate applies pending schema migrations and returns how many ran
func (e *Engine) Migrate(ctx context.Context) (int, error) {
	n, err := RunMigrations(ctx, e.db, e.dialect)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.WithField("applied", n).Info("Applied RBAC migrations")
	}
	return n, nil
}

// operation tracks one engine call from start to finish
type operation struct {
	e      *Engine
	ctx    context.Context
	name   string
	start  time.Time
	span   trace.Span
	logger *observability.Logger
	// event is nil for reads
	event *audit.AuditEvent
}

func (e *Engine) begin(ctx context.Context, name string, eventType audit.EventType, attrs ...attribute.KeyValue) (context.Context, *operation) {
	if audit.OperationIDFromContext(ctx) == "" {
		ctx = audit.WithOperationID(ctx, uuid.NewString())
	}
	ctx, span := tracer.Start(ctx, "rbac."+name, trace.WithAttributes(attrs...))

	fields := make(map[string]interface{}, len(attrs)+2)
	fields["operation"] = name
	fields["operation_id"] = audit.OperationIDFromContext(ctx)
	for _, a := range attrs {
		fields[string(a.Key)] = a.Value.AsInterface()
	}

	op := &operation{
		e:      e,
		ctx:    ctx,
		name:   name,
		start:  time.Now(),
		span:   span,
		logger: observability.UpdateLoggerWithTraceContext(ctx, e.logger).WithFields(fields),
	}
	if eventType != "" {
		op.event = audit.NewEvent(ctx, eventType)
	}
	return ctx, op
}

// inOrg stamps the audit event with the organisation
func (op *operation) inOrg(organisationID int64) {
	if op.event != nil {
		org := organisationID
		op.event.OrganisationID = &org
	}
}

func (op *operation) resource(typ audit.ResourceType, id int64, name string) {
	if op.event == nil {
		return
	}
	op.event.ResourceType = typ
	if id != 0 {
		op.event.ResourceID = strconv.FormatInt(id, 10)
	}
	op.event.ResourceName = name
}

// end records the outcome and returns err unchanged
func (op *operation) end(err error, message string) error {
	status := "success"
	switch {
	case err == nil:
		op.span.SetStatus(codes.Ok, "")
	case IsValidationError(err):
		status = "rejected"
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		op.logger.WithError(err).Debug("RBAC operation rejected")
	default:
		status = "error"
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		op.logger.WithError(err).Error("RBAC operation failed")
	}
	op.span.End()
	op.e.metrics.RecordOperation(op.name, status, time.Since(op.start))

	if op.event != nil {
		op.event.Message = message
		if err != nil {
			op.event.Status = audit.EventStatusFailure
			op.event.ErrorMessage = err.Error()
		} else if message != "" {
			op.logger.Info(message)
		}
		if auditErr := op.e.audit.Log(op.ctx, op.event); auditErr != nil {
			op.logger.WithError(auditErr).Warn("Failed to write audit event")
		}
	}
	return err
}

// invalidate drops cached permission sets after a commit. A failure leaves
// the mutation committed and is only logged.
func (e *Engine) invalidate(ctx context.Context, scope string, fn func(context.Context) error) {
	e.metrics.RecordCacheInvalidation(scope)
	if err := fn(ctx); err != nil {
		e.metrics.RecordCacheError("invalidate_" + scope)
		e.logger.WithError(err).WithField("scope", scope).Error("Failed to invalidate permission cache")
	}
}

func (e *Engine) invalidateSubject(ctx context.Context, subject Subject, organisationID int64) {
	e.invalidate(ctx, "subject", func(ctx context.Context) error {
		return e.Resolver.InvalidateSubject(ctx, subject, organisationID)
	})
}

func (e *Engine) invalidateOrganisation(ctx context.Context, organisationID int64) {
	e.invalidate(ctx, "organisation", func(ctx context.Context) error {
		return e.Resolver.InvalidateOrganisation(ctx, organisationID)
	})
}

func (e *Engine) invalidateAll(ctx context.Context) {
	e.invalidate(ctx, "all", e.Resolver.InvalidateAll)
}

// requireMember enforces the membership collaborator when one is configured
func (e *Engine) requireMember(ctx context.Context, organisationID int64, subject Subject) error {
	if e.membership == nil {
		return nil
	}
	ok, err := e.membership.IsMember(ctx, organisationID, subject)
	if err != nil {
		return &StoreError{Op: "check membership", Err: err}
	}
	if !ok {
		return fmt.Errorf("%w: %s in organisation %d", ErrSubjectNotInOrganisation, subject, organisationID)
	}
	return nil
}

func subjectAttr(s Subject) attribute.KeyValue {
	return attribute.String("subject", s.String())
}

func orgAttr(organisationID int64) attribute.KeyValue {
	return attribute.Int64("organisation_id", organisationID)
}

func permissionNames(names []PermissionName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// RegisterPermission adds a permission name to the registry
func (e *Engine) RegisterPermission(ctx context.Context, name string, description string) (perm *Permission, err error) {
	ctx, op := e.begin(ctx, "register_permission", audit.EventTypePermissionRegister, attribute.String("permission", name))
	defer func() { err = op.end(err, "Registered permission") }()

	parsed, err := ParsePermissionName(name)
	if err != nil {
		return nil, err
	}
	op.resource(audit.ResourceTypePermission, 0, string(parsed))

	perm, err = e.Registry.Register(ctx, parsed, description)
	if err != nil {
		return nil, err
	}
	op.event.ResourceID = strconv.FormatInt(perm.ID, 10)
	return perm, nil
}

// RegisterPermissions registers perms atomically and returns how many were
// new
func (e *Engine) RegisterPermissions(ctx context.Context, perms []Permission) (created int, err error) {
	ctx, op := e.begin(ctx, "register_permissions", audit.EventTypePermissionRegister, attribute.Int("count", len(perms)))
	defer func() { err = op.end(err, "Registered permissions") }()
	op.resource(audit.ResourceTypePermission, 0, "")

	created, err = e.Registry.RegisterAll(ctx, perms)
	if err != nil {
		return 0, err
	}
	op.event.Metadata["registered"] = len(perms)
	op.event.Metadata["created"] = created
	return created, nil
}

// Permissions lists the registry
func (e *Engine) Permissions(ctx context.Context) ([]Permission, error) {
	return e.Registry.All(ctx)
}

// PermissionExists reports whether name is registered
func (e *Engine) PermissionExists(ctx context.Context, name PermissionName) (bool, error) {
	return e.Registry.Exists(ctx, name)
}

// CreateCustomTemplate creates an organisation-owned template
func (e *Engine) CreateCustomTemplate(ctx context.Context, organisationID int64, in TemplateInput) (t *RoleTemplate, err error) {
	ctx, op := e.begin(ctx, "create_template", audit.EventTypeTemplateCreate, orgAttr(organisationID), attribute.String("template", in.Name))
	defer func() { err = op.end(err, "Created custom template") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeTemplate, 0, in.Name)

	t, err = e.Templates.CreateCustom(ctx, organisationID, in)
	if err != nil {
		return nil, err
	}
	op.event.ResourceID = strconv.FormatInt(t.ID, 10)
	op.event.Metadata["permissions"] = permissionNames(t.Permissions)
	return t, nil
}

// CreateSystemTemplate upserts a system template. An update invalidates
// every cached permission set since any organisation may use the system
// role.
func (e *Engine) CreateSystemTemplate(ctx context.Context, in SystemTemplateInput) (t *RoleTemplate, outcome UpsertOutcome, err error) {
	ctx, op := e.begin(ctx, "sync_system_template", audit.EventTypeTemplateSync, attribute.String("template", in.Name))
	defer func() { err = op.end(err, "Synchronised system template") }()
	op.resource(audit.ResourceTypeTemplate, 0, in.Name)

	t, outcome, err = e.Templates.CreateSystem(ctx, in)
	if err != nil {
		return nil, OutcomeUnchanged, err
	}
	op.event.ResourceID = strconv.FormatInt(t.ID, 10)
	op.event.Metadata["outcome"] = outcome.String()
	op.span.SetAttributes(attribute.String("outcome", outcome.String()))

	if outcome == OutcomeUpdated {
		e.invalidateAll(ctx)
	}
	return t, outcome, nil
}

// ownedTemplate loads a template and rejects one owned by another
// organisation. System templates pass so the store can report them as
// protected.
func (e *Engine) ownedTemplate(ctx context.Context, organisationID, templateID int64) (*RoleTemplate, error) {
	t, err := e.Templates.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !t.IsSystem && !t.OwnedBy(organisationID) {
		return nil, fmt.Errorf("%w: template %d", ErrTemplateOwnershipMismatch, templateID)
	}
	return t, nil
}

// UpdateTemplate changes descriptive fields of an organisation's template
func (e *Engine) UpdateTemplate(ctx context.Context, organisationID, templateID int64, fields TemplateFields) (t *RoleTemplate, err error) {
	ctx, op := e.begin(ctx, "update_template", audit.EventTypeTemplateUpdate, orgAttr(organisationID), attribute.Int64("template_id", templateID))
	defer func() { err = op.end(err, "Updated template") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeTemplate, templateID, "")

	before, err := e.ownedTemplate(ctx, organisationID, templateID)
	if err != nil {
		return nil, err
	}
	t, err = e.Templates.Update(ctx, templateID, fields)
	if err != nil {
		return nil, err
	}
	op.event.ResourceName = t.Name
	op.event.Changes = &audit.ChangeDetails{
		Before: templateSnapshot(before),
		After:  templateSnapshot(t),
	}
	return t, nil
}

func templateSnapshot(t *RoleTemplate) map[string]interface{} {
	return map[string]interface{}{
		"display_name":   t.DisplayName,
		"description":    t.Description,
		"level":          t.Level,
		"can_be_deleted": t.CanBeDeleted,
	}
}

// AddTemplatePermissions adds names to an organisation's template
func (e *Engine) AddTemplatePermissions(ctx context.Context, organisationID, templateID int64, names []PermissionName) (*RoleTemplate, error) {
	return e.changeTemplatePermissions(ctx, "add_template_permissions", organisationID, templateID, names, nil)
}

// RemoveTemplatePermissions removes names from an organisation's template
func (e *Engine) RemoveTemplatePermissions(ctx context.Context, organisationID, templateID int64, names []PermissionName) (*RoleTemplate, error) {
	return e.changeTemplatePermissions(ctx, "remove_template_permissions", organisationID, templateID, nil, names)
}

func (e *Engine) changeTemplatePermissions(ctx context.Context, name string, organisationID, templateID int64, add, remove []PermissionName) (t *RoleTemplate, err error) {
	ctx, op := e.begin(ctx, name, audit.EventTypeTemplateUpdate, orgAttr(organisationID), attribute.Int64("template_id", templateID))
	defer func() { err = op.end(err, "Changed template permissions") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeTemplate, templateID, "")

	before, err := e.ownedTemplate(ctx, organisationID, templateID)
	if err != nil {
		return nil, err
	}
	if add != nil {
		t, err = e.Templates.AddPermissions(ctx, templateID, add)
	} else {
		t, err = e.Templates.RemovePermissions(ctx, templateID, remove)
	}
	if err != nil {
		return nil, err
	}
	op.event.ResourceName = t.Name
	op.event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"permissions": permissionNames(before.Permissions)},
		After:  map[string]interface{}{"permissions": permissionNames(t.Permissions)},
	}

	e.invalidateOrganisation(ctx, organisationID)
	return t, nil
}

// DeleteTemplate deletes an organisation's template that no role uses
func (e *Engine) DeleteTemplate(ctx context.Context, organisationID, templateID int64) (err error) {
	ctx, op := e.begin(ctx, "delete_template", audit.EventTypeTemplateDelete, orgAttr(organisationID), attribute.Int64("template_id", templateID))
	defer func() { err = op.end(err, "Deleted template") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeTemplate, templateID, "")

	t, err := e.ownedTemplate(ctx, organisationID, templateID)
	if err != nil {
		return err
	}
	op.event.ResourceName = t.Name
	return e.Templates.Delete(ctx, templateID)
}

// GetTemplate returns a template by id
func (e *Engine) GetTemplate(ctx context.Context, templateID int64) (*RoleTemplate, error) {
	return e.Templates.Get(ctx, templateID)
}

// FindTemplate looks a template up by name as seen from the organisation
func (e *Engine) FindTemplate(ctx context.Context, name string, organisationID *int64) (*RoleTemplate, error) {
	return e.Templates.FindByName(ctx, name, organisationID)
}

// ListTemplates lists the templates visible to the organisation
func (e *Engine) ListTemplates(ctx context.Context, organisationID *int64) ([]*RoleTemplate, error) {
	return e.Templates.ListForOrganisation(ctx, organisationID)
}

// CreateCustomRole creates a custom template and its role
func (e *Engine) CreateCustomRole(ctx context.Context, organisationID int64, in TemplateInput) (r *Role, err error) {
	ctx, op := e.begin(ctx, "create_role", audit.EventTypeRoleCreate, orgAttr(organisationID), attribute.String("template", in.Name))
	defer func() { err = op.end(err, "Created custom role") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeRole, 0, in.Name)

	r, err = e.Roles.CreateCustom(ctx, organisationID, in)
	if err != nil {
		return nil, err
	}
	op.event.ResourceID = strconv.FormatInt(r.ID, 10)
	op.event.Metadata["template_id"] = r.TemplateID
	op.event.Metadata["permissions"] = permissionNames(r.Template.Permissions)
	return r, nil
}

// MaterializeRole returns the role of a template in the organisation,
// creating it when missing
func (e *Engine) MaterializeRole(ctx context.Context, templateID int64, organisationID *int64) (r *Role, err error) {
	attrs := []attribute.KeyValue{attribute.Int64("template_id", templateID)}
	if organisationID != nil {
		attrs = append(attrs, orgAttr(*organisationID))
	}
	ctx, op := e.begin(ctx, "materialize_role", audit.EventTypeRoleCreate, attrs...)
	defer func() { err = op.end(err, "Materialised role") }()
	if organisationID != nil {
		op.inOrg(*organisationID)
	}

	r, err = e.Roles.Materialize(ctx, templateID, organisationID)
	if err != nil {
		return nil, err
	}
	op.resource(audit.ResourceTypeRole, r.ID, r.Template.Name)
	return r, nil
}

// DeleteRole deletes a role without assignments and reports whether its
// template went with it
func (e *Engine) DeleteRole(ctx context.Context, roleID, organisationID int64) (templateDeleted bool, err error) {
	ctx, op := e.begin(ctx, "delete_role", audit.EventTypeRoleDelete, orgAttr(organisationID), attribute.Int64("role_id", roleID))
	defer func() { err = op.end(err, "Deleted role") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeRole, roleID, "")

	templateDeleted, err = e.Roles.Delete(ctx, roleID, organisationID)
	if err != nil {
		return false, err
	}
	op.event.Metadata["template_deleted"] = templateDeleted
	return templateDeleted, nil
}

// GetRole returns a role with its template
func (e *Engine) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return e.Roles.Get(ctx, roleID)
}

// ActiveRole returns the role the organisation uses for a template name
func (e *Engine) ActiveRole(ctx context.Context, name string, organisationID int64) (*Role, error) {
	return e.Roles.ActiveFor(ctx, name, organisationID)
}

// ListRoles lists the roles usable in the organisation
func (e *Engine) ListRoles(ctx context.Context, organisationID int64) ([]*Role, error) {
	return e.Roles.ListForOrganisation(ctx, organisationID)
}

// Assign gives the subject a role in the organisation and returns the role
// actually assigned
func (e *Engine) Assign(ctx context.Context, roleID int64, subject Subject, organisationID int64) (r *Role, err error) {
	ctx, op := e.begin(ctx, "assign", audit.EventTypeAssignmentGrant, orgAttr(organisationID), subjectAttr(subject), attribute.Int64("role_id", roleID))
	defer func() { err = op.end(err, "Assigned role") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypeAssignment, roleID, "")

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if err := e.requireMember(ctx, organisationID, subject); err != nil {
		return nil, err
	}

	r, err = e.Assignments.Assign(ctx, roleID, subject, organisationID)
	if err != nil {
		return nil, err
	}
	op.event.ResourceName = r.Template.Name
	if r.ID != roleID {
		op.event.Metadata["redirected_to"] = r.ID
	}

	e.invalidateSubject(ctx, subject, organisationID)
	return r, nil
}

// Revoke removes a role from the subject in the organisation
func (e *Engine) Revoke(ctx context.Context, roleID int64, subject Subject, organisationID int64) (err error) {
	ctx, op := e.begin(ctx, "revoke", audit.EventTypeAssignmentRevoke, orgAttr(organisationID), subjectAttr(subject), attribute.Int64("role_id", roleID))
	defer func() { err = op.end(err, "Revoked role") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypeAssignment, roleID, "")

	if err := e.Assignments.Revoke(ctx, roleID, subject, organisationID); err != nil {
		return err
	}
	e.invalidateSubject(ctx, subject, organisationID)
	return nil
}

// ReplaceAssignments swaps the subject's whole role set in the organisation
func (e *Engine) ReplaceAssignments(ctx context.Context, subject Subject, organisationID int64, roleIDs []int64) (roles []*Role, err error) {
	ctx, op := e.begin(ctx, "replace_assignments", audit.EventTypeAssignmentReplace, orgAttr(organisationID), subjectAttr(subject))
	defer func() { err = op.end(err, "Replaced role assignments") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypeAssignment, 0, "")

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if len(roleIDs) > 0 {
		if err := e.requireMember(ctx, organisationID, subject); err != nil {
			return nil, err
		}
	}

	before, err := e.Assignments.RolesFor(ctx, subject, organisationID)
	if err != nil {
		return nil, err
	}
	roles, err = e.Assignments.ReplaceAssignments(ctx, subject, organisationID, roleIDs)
	if err != nil {
		return nil, err
	}
	op.event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"role_ids": roleIDList(before)},
		After:  map[string]interface{}{"role_ids": roleIDList(roles)},
	}

	e.invalidateSubject(ctx, subject, organisationID)
	return roles, nil
}

func roleIDList(roles []*Role) []int64 {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}

// RolesFor lists the roles the subject holds in the organisation
func (e *Engine) RolesFor(ctx context.Context, subject Subject, organisationID int64) ([]*Role, error) {
	return e.Assignments.RolesFor(ctx, subject, organisationID)
}

// SubjectsWithRole lists the holders of a role in the organisation
func (e *Engine) SubjectsWithRole(ctx context.Context, roleID, organisationID int64) ([]Subject, error) {
	return e.Assignments.SubjectsWithRole(ctx, roleID, organisationID)
}

// PurgeSubject removes every assignment and permission override the subject
// holds in the organisation, typically when it leaves the organisation
func (e *Engine) PurgeSubject(ctx context.Context, subject Subject, organisationID int64) (removed int64, err error) {
	ctx, op := e.begin(ctx, "purge_subject", audit.EventTypeSubjectPurge, orgAttr(organisationID), subjectAttr(subject))
	defer func() { err = op.end(err, "Purged subject") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypeSubject, subject.ID, "")

	if err := subject.Validate(); err != nil {
		return 0, err
	}
	err = e.write(ctx, "purge subject", func(tx *sql.Tx) error {
		var err error
		removed, err = purgeSubject(ctx, tx, subject, organisationID)
		return err
	})
	if err != nil {
		return 0, err
	}
	op.event.Metadata["removed"] = removed

	e.invalidateSubject(ctx, subject, organisationID)
	return removed, nil
}

// CreateOverride gives the organisation its own copy of a system template
// and moves the system role's assignments onto it
func (e *Engine) CreateOverride(ctx context.Context, systemTemplateID, organisationID int64, fields TemplateFields, permissions []PermissionName) (result *OverrideResult, err error) {
	ctx, op := e.begin(ctx, "create_override", audit.EventTypeOverrideCreate, orgAttr(organisationID), attribute.Int64("template_id", systemTemplateID))
	defer func() { err = op.end(err, "Created role override") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeRole, 0, "")
	op.event.Metadata["system_template_id"] = systemTemplateID

	result, err = e.Protocol.CreateOverride(ctx, systemTemplateID, organisationID, fields, permissions)
	if err != nil {
		return nil, err
	}
	e.recordOverride(op, result)

	e.invalidateOrganisation(ctx, organisationID)
	return result, nil
}

func (e *Engine) recordOverride(op *operation, result *OverrideResult) {
	op.event.ResourceID = strconv.FormatInt(result.Role.ID, 10)
	op.event.ResourceName = result.Template.Name
	op.event.Metadata["override_template_id"] = result.Template.ID
	op.event.Metadata["migrated"] = result.MigratedUserCount
	op.logger = op.logger.WithFields(map[string]interface{}{
		"role_id":     result.Role.ID,
		"template_id": result.Template.ID,
		"migrated":    result.MigratedUserCount,
	})
	op.span.SetAttributes(attribute.Int("migrated", result.MigratedUserCount))
	e.metrics.RecordMigratedAssignments("create_override", result.MigratedUserCount)
}

// RevertToSystem moves an override's assignments back onto the system role
func (e *Engine) RevertToSystem(ctx context.Context, roleID, organisationID int64, opts RevertOptions) (result *RevertResult, err error) {
	ctx, op := e.begin(ctx, "revert_to_system", audit.EventTypeOverrideRevert, orgAttr(organisationID), attribute.Int64("role_id", roleID))
	defer func() { err = op.end(err, "Reverted role override") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeRole, roleID, "")

	result, err = e.Protocol.RevertToSystem(ctx, roleID, organisationID, opts)
	if err != nil {
		return nil, err
	}
	op.event.ResourceName = result.SystemRole.Template.Name
	op.event.Metadata["system_role_id"] = result.SystemRole.ID
	op.event.Metadata["migrated"] = result.MigratedUserCount
	op.event.Metadata["role_purged"] = result.RolePurged
	op.event.Metadata["template_purged"] = result.TemplatePurged
	op.logger = op.logger.WithField("migrated", result.MigratedUserCount)
	op.span.SetAttributes(attribute.Int("migrated", result.MigratedUserCount))
	e.metrics.RecordMigratedAssignments("revert_to_system", result.MigratedUserCount)

	e.invalidateOrganisation(ctx, organisationID)
	return result, nil
}

// AddPermissions adds names to the role, overriding a system role first
func (e *Engine) AddPermissions(ctx context.Context, roleID, organisationID int64, names []PermissionName) (*PermissionChange, error) {
	return e.changeRolePermissions(ctx, "add_permissions", roleID, organisationID, names, true)
}

// RemovePermissions removes names from the role, overriding a system role
// first
func (e *Engine) RemovePermissions(ctx context.Context, roleID, organisationID int64, names []PermissionName) (*PermissionChange, error) {
	return e.changeRolePermissions(ctx, "remove_permissions", roleID, organisationID, names, false)
}

func (e *Engine) changeRolePermissions(ctx context.Context, name string, roleID, organisationID int64, names []PermissionName, add bool) (change *PermissionChange, err error) {
	ctx, op := e.begin(ctx, name, audit.EventTypeRolePermissionsChange, orgAttr(organisationID), attribute.Int64("role_id", roleID))
	defer func() { err = op.end(err, "Changed role permissions") }()
	op.inOrg(organisationID)
	op.resource(audit.ResourceTypeRole, roleID, "")
	if add {
		op.event.Metadata["added"] = permissionNames(names)
		change, err = e.Protocol.AddPermissions(ctx, roleID, organisationID, names)
	} else {
		op.event.Metadata["removed"] = permissionNames(names)
		change, err = e.Protocol.RemovePermissions(ctx, roleID, organisationID, names)
	}
	if err != nil {
		return nil, err
	}

	op.event.ResourceID = strconv.FormatInt(change.Role.ID, 10)
	op.event.ResourceName = change.Role.Template.Name
	op.event.Metadata["permissions"] = permissionNames(change.Role.Template.Permissions)
	if change.Override != nil {
		e.recordOverride(op, change.Override)
	}

	e.invalidateOrganisation(ctx, organisationID)
	return change, nil
}

// SetOverride grants (grant=true) or denies a permission directly
func (e *Engine) SetOverride(ctx context.Context, subject Subject, name PermissionName, organisationID int64, grant bool) (o *PermissionOverride, err error) {
	ctx, op := e.begin(ctx, "set_override", audit.EventTypePermissionOverrideSet, orgAttr(organisationID), subjectAttr(subject),
		attribute.String("permission", string(name)), attribute.Bool("grant", grant))
	defer func() { err = op.end(err, "Set permission override") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypePermissionOverride, 0, string(name))
	op.event.Metadata["grant"] = grant

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if err := e.requireMember(ctx, organisationID, subject); err != nil {
		return nil, err
	}

	o, err = e.Overrides.SetOverride(ctx, subject, name, organisationID, grant)
	if err != nil {
		return nil, err
	}
	e.invalidateSubject(ctx, subject, organisationID)
	return o, nil
}

// Grant gives the subject a permission directly
func (e *Engine) Grant(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (*PermissionOverride, error) {
	return e.SetOverride(ctx, subject, name, organisationID, true)
}

// Deny withholds a permission from the subject whatever its roles grant
func (e *Engine) Deny(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (*PermissionOverride, error) {
	return e.SetOverride(ctx, subject, name, organisationID, false)
}

// ClearOverride removes a direct grant or denial
func (e *Engine) ClearOverride(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (err error) {
	ctx, op := e.begin(ctx, "clear_override", audit.EventTypePermissionOverrideClear, orgAttr(organisationID), subjectAttr(subject),
		attribute.String("permission", string(name)))
	defer func() { err = op.end(err, "Cleared permission override") }()
	op.inOrg(organisationID)
	op.event.Subject = subject.String()
	op.resource(audit.ResourceTypePermissionOverride, 0, string(name))

	if err := e.Overrides.ClearOverride(ctx, subject, name, organisationID); err != nil {
		return err
	}
	e.invalidateSubject(ctx, subject, organisationID)
	return nil
}

// ListOverrides lists the subject's direct grants and denials
func (e *Engine) ListOverrides(ctx context.Context, subject Subject, organisationID int64) ([]PermissionOverride, error) {
	return e.Overrides.ListOverrides(ctx, subject, organisationID)
}

// EffectivePermissions returns the subject's resolved permission set
func (e *Engine) EffectivePermissions(ctx context.Context, subject Subject, organisationID int64) (perms PermissionSet, err error) {
	ctx, op := e.begin(ctx, "effective_permissions", "", orgAttr(organisationID), subjectAttr(subject))
	defer func() { err = op.end(err, "") }()

	perms, err = e.Resolver.EffectivePermissions(ctx, subject, organisationID)
	if err != nil {
		return nil, err
	}
	op.span.SetAttributes(attribute.Int("permissions", len(perms)))
	return perms, nil
}

// HasPermission reports whether the subject holds the permission
func (e *Engine) HasPermission(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (bool, error) {
	d, err := e.Check(ctx, subject, name, organisationID)
	return d.Allowed, err
}

// Check decides a permission and reports which rule decided it
func (e *Engine) Check(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (d Decision, err error) {
	ctx, op := e.begin(ctx, "check", "", orgAttr(organisationID), subjectAttr(subject), attribute.String("permission", string(name)))
	defer func() { err = op.end(err, "") }()

	d, err = e.Resolver.Check(ctx, subject, name, organisationID)
	if err != nil {
		return Decision{}, err
	}
	op.span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("source", string(d.Source)))
	e.metrics.RecordPermissionCheck(d.Allowed, string(d.Source))
	return d, nil
}

// HighestLevel returns the highest level among the subject's roles
func (e *Engine) HighestLevel(ctx context.Context, subject Subject, organisationID int64) (int, error) {
	return e.Resolver.HighestLevel(ctx, subject, organisationID)
}

// Outranks reports whether manager's highest role level is above target's
// in the organisation. A manager without roles outranks nobody; a target
// without roles is outranked by any manager holding one.
func (e *Engine) Outranks(ctx context.Context, manager, target Subject, organisationID int64) (bool, error) {
	managerLevel, err := e.Resolver.HighestLevel(ctx, manager, organisationID)
	if err != nil {
		if errors.Is(err, ErrNoRole) {
			return false, nil
		}
		return false, err
	}

	targetLevel, err := e.Resolver.HighestLevel(ctx, target, organisationID)
	if err != nil {
		if errors.Is(err, ErrNoRole) {
			return true, nil
		}
		return false, err
	}
	return managerLevel > targetLevel, nil
}
