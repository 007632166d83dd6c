package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Templates stores role templates and their permission sets
type Templates struct {
	base
}

// NewTemplates creates a template store
func NewTemplates(db *sql.DB, dialect database.Dialect) *Templates {
	return &Templates{base{db: db, dialect: dialect}}
}

// Get returns a template by id
func (s *Templates) Get(ctx context.Context, id int64) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.read(ctx, "get template", func(tx *sql.Tx) error {
		var err error
		t, err = getTemplate(ctx, tx, id, "")
		return err
	})
	return t, err
}

// CreateCustom creates an organisation-owned template. The name must be
// unique among the organisation's templates and must not shadow a system
// template; only the override protocol may do that.
func (s *Templates) CreateCustom(ctx context.Context, organisationID int64, in TemplateInput) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.write(ctx, "create template", func(tx *sql.Tx) error {
		var err error
		t, err = createCustomTemplate(ctx, tx, organisationID, in)
		return err
	})
	return t, err
}

// CreateSystem upserts a system template by name and materialises its system
// role. Existing system templates are updated in place, never removed.
func (s *Templates) CreateSystem(ctx context.Context, in SystemTemplateInput) (*RoleTemplate, UpsertOutcome, error) {
	var t *RoleTemplate
	var outcome UpsertOutcome
	err := s.write(ctx, "create system template", func(tx *sql.Tx) error {
		var err error
		t, outcome, err = upsertSystemTemplate(ctx, tx, s.dialect, in)
		return err
	})
	return t, outcome, err
}

// Update changes descriptive fields of an organisation-owned template.
// System templates must be changed through an override.
func (s *Templates) Update(ctx context.Context, id int64, fields TemplateFields) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.write(ctx, "update template", func(tx *sql.Tx) error {
		var err error
		t, err = updateTemplate(ctx, tx, s.dialect, id, fields)
		return err
	})
	return t, err
}

// AddPermissions adds names to an organisation-owned template
func (s *Templates) AddPermissions(ctx context.Context, id int64, names []PermissionName) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.write(ctx, "add template permissions", func(tx *sql.Tx) error {
		var err error
		t, err = changeTemplatePermissions(ctx, tx, s.dialect, id, names, nil)
		return err
	})
	return t, err
}

// RemovePermissions removes names from an organisation-owned template. The
// last permission of a template that is referenced by a role cannot go.
func (s *Templates) RemovePermissions(ctx context.Context, id int64, names []PermissionName) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.write(ctx, "remove template permissions", func(tx *sql.Tx) error {
		var err error
		t, err = changeTemplatePermissions(ctx, tx, s.dialect, id, nil, names)
		return err
	})
	return t, err
}

// Delete removes a template that no role references
func (s *Templates) Delete(ctx context.Context, id int64) error {
	return s.write(ctx, "delete template", func(tx *sql.Tx) error {
		t, err := getTemplate(ctx, tx, id, s.dialect.ForUpdate())
		if err != nil {
			return err
		}
		return deleteTemplate(ctx, tx, t)
	})
}

// FindByName looks up a template visible to the organisation: the
// organisation's own template of that name, falling back to the system
// template. A nil organisationID searches system templates only.
func (s *Templates) FindByName(ctx context.Context, name string, organisationID *int64) (*RoleTemplate, error) {
	var t *RoleTemplate
	err := s.read(ctx, "find template", func(tx *sql.Tx) error {
		var err error
		t, err = findTemplateByName(ctx, tx, name, organisationID)
		return err
	})
	return t, err
}

// ListForOrganisation returns the organisation's own templates plus every
// system template it has not overridden, ordered by level then name.
// A nil organisationID lists system templates only.
func (s *Templates) ListForOrganisation(ctx context.Context, organisationID *int64) ([]*RoleTemplate, error) {
	var templates []*RoleTemplate
	err := s.read(ctx, "list templates", func(tx *sql.Tx) error {
		var rows *sql.Rows
		var err error
		if organisationID == nil {
			rows, err = tx.QueryContext(ctx, `
				SELECT `+templateColumns+`
				FROM role_templates t
				WHERE t.is_system = TRUE
				ORDER BY t.level DESC, t.name
			`)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT `+templateColumns+`
				FROM role_templates t
				WHERE t.organisation_id = $1
				   OR (t.is_system = TRUE AND NOT EXISTS (
						SELECT 1 FROM role_templates o
						WHERE o.organisation_id = $1 AND o.name = t.name
				   ))
				ORDER BY t.level DESC, t.name
			`, *organisationID)
		}
		if err != nil {
			return fmt.Errorf("failed to list templates: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTemplate(rows)
			if err != nil {
				return fmt.Errorf("failed to scan template: %w", err)
			}
			templates = append(templates, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		return loadTemplatePermissions(ctx, tx, templates...)
	})
	return templates, err
}

func validateTemplateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: name exceeds 255 characters", ErrInvalidTemplate)
	}
	return nil
}

func createCustomTemplate(ctx context.Context, q database.Querier, organisationID int64, in TemplateInput) (*RoleTemplate, error) {
	if err := validateTemplateName(in.Name); err != nil {
		return nil, err
	}

	var clash int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM role_templates
		WHERE name = $1 AND (is_system = TRUE OR organisation_id = $2)
	`, in.Name, organisationID).Scan(&clash)
	if err != nil {
		return nil, fmt.Errorf("failed to check template name: %w", err)
	}
	if clash > 0 {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, in.Name)
	}

	permIDs, err := permissionIDs(ctx, q, in.Permissions)
	if err != nil {
		return nil, err
	}

	org := organisationID
	t := &RoleTemplate{
		Name:           in.Name,
		DisplayName:    in.DisplayName,
		Description:    in.Description,
		Level:          in.Level,
		IsSystem:       false,
		OrganisationID: &org,
		CanBeDeleted:   true,
	}
	if err := insertTemplate(ctx, q, t); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, in.Name)
		}
		return nil, err
	}

	if err := insertTemplatePermissions(ctx, q, t.ID, permIDs); err != nil {
		return nil, err
	}
	t.Permissions = NewPermissionSet(in.Permissions...).Names()
	return t, nil
}

func insertTemplate(ctx context.Context, q database.Querier, t *RoleTemplate) error {
	ts := now()
	err := q.QueryRowContext(ctx, `
		INSERT INTO role_templates (name, display_name, description, level, is_system, organisation_id, can_be_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		t.Name,
		t.DisplayName,
		t.Description,
		t.Level,
		t.IsSystem,
		nullInt64(t.OrganisationID),
		t.CanBeDeleted,
		ts,
		ts,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	t.CreatedAt = ts
	t.UpdatedAt = ts
	return nil
}

func upsertSystemTemplate(ctx context.Context, q database.Querier, dialect database.Dialect, in SystemTemplateInput) (*RoleTemplate, UpsertOutcome, error) {
	if err := validateTemplateName(in.Name); err != nil {
		return nil, OutcomeUnchanged, err
	}
	// every system template has a system role, so the permission floor
	// always applies
	if len(in.Permissions) == 0 {
		return nil, OutcomeUnchanged, fmt.Errorf("%w: system template %q", ErrCannotRemoveAllPermissions, in.Name)
	}

	permIDs, err := permissionIDs(ctx, q, in.Permissions)
	if err != nil {
		return nil, OutcomeUnchanged, err
	}

	existing, err := scanTemplate(q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM role_templates t WHERE t.name = $1 AND t.is_system = TRUE`+dialect.ForUpdate(),
		in.Name,
	))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, OutcomeUnchanged, fmt.Errorf("failed to get system template: %w", err)
	}

	if existing == nil {
		t := &RoleTemplate{
			Name:         in.Name,
			DisplayName:  in.DisplayName,
			Description:  in.Description,
			Level:        in.Level,
			IsSystem:     true,
			CanBeDeleted: false,
		}
		if err := insertTemplate(ctx, q, t); err != nil {
			return nil, OutcomeUnchanged, err
		}
		if err := insertTemplatePermissions(ctx, q, t.ID, permIDs); err != nil {
			return nil, OutcomeUnchanged, err
		}
		if _, err := ensureSystemRole(ctx, q, dialect, t.ID); err != nil {
			return nil, OutcomeUnchanged, err
		}
		t.Permissions = NewPermissionSet(in.Permissions...).Names()
		return t, OutcomeCreated, nil
	}

	if err := loadTemplatePermissions(ctx, q, existing); err != nil {
		return nil, OutcomeUnchanged, err
	}
	if _, err := ensureSystemRole(ctx, q, dialect, existing.ID); err != nil {
		return nil, OutcomeUnchanged, err
	}

	wanted := NewPermissionSet(in.Permissions...)
	if existing.DisplayName == in.DisplayName &&
		existing.Description == in.Description &&
		existing.Level == in.Level &&
		existing.PermissionSet().Equal(wanted) {
		return existing, OutcomeUnchanged, nil
	}

	ts := now()
	_, err = q.ExecContext(ctx, `
		UPDATE role_templates
		SET display_name = $1, description = $2, level = $3, updated_at = $4
		WHERE id = $5
	`, in.DisplayName, in.Description, in.Level, ts, existing.ID)
	if err != nil {
		return nil, OutcomeUnchanged, fmt.Errorf("failed to update system template: %w", err)
	}
	if err := replaceTemplatePermissions(ctx, q, existing.ID, permIDs); err != nil {
		return nil, OutcomeUnchanged, err
	}

	existing.DisplayName = in.DisplayName
	existing.Description = in.Description
	existing.Level = in.Level
	existing.Permissions = wanted.Names()
	existing.UpdatedAt = ts
	return existing, OutcomeUpdated, nil
}

func updateTemplate(ctx context.Context, q database.Querier, dialect database.Dialect, id int64, fields TemplateFields) (*RoleTemplate, error) {
	t, err := getTemplate(ctx, q, id, dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if t.IsSystem {
		return nil, fmt.Errorf("%w: %q", ErrSystemTemplateProtected, t.Name)
	}
	if fields.IsZero() {
		return t, nil
	}

	applyFields(t, fields)
	t.UpdatedAt = now()

	_, err = q.ExecContext(ctx, `
		UPDATE role_templates
		SET display_name = $1, description = $2, level = $3, can_be_deleted = $4, updated_at = $5
		WHERE id = $6
	`, t.DisplayName, t.Description, t.Level, t.CanBeDeleted, t.UpdatedAt, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	return t, nil
}

func applyFields(t *RoleTemplate, fields TemplateFields) {
	if fields.DisplayName != nil {
		t.DisplayName = *fields.DisplayName
	}
	if fields.Description != nil {
		t.Description = *fields.Description
	}
	if fields.Level != nil {
		t.Level = *fields.Level
	}
	if fields.CanBeDeleted != nil {
		t.CanBeDeleted = *fields.CanBeDeleted
	}
}

// changeTemplatePermissions applies add then remove to an organisation-owned
// template, enforcing the permission floor
func changeTemplatePermissions(ctx context.Context, q database.Querier, dialect database.Dialect, id int64, add, remove []PermissionName) (*RoleTemplate, error) {
	t, err := getTemplate(ctx, q, id, dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if t.IsSystem {
		return nil, fmt.Errorf("%w: %q", ErrSystemTemplateProtected, t.Name)
	}

	next := t.PermissionSet()
	next.Add(add...)
	next.Remove(remove...)
	if next.Equal(t.PermissionSet()) {
		return t, nil
	}

	if len(next) == 0 {
		inUse, err := countRoles(ctx, q, t.ID)
		if err != nil {
			return nil, err
		}
		if inUse > 0 {
			return nil, fmt.Errorf("%w: template %q", ErrCannotRemoveAllPermissions, t.Name)
		}
	}

	permIDs, err := permissionIDs(ctx, q, next.Names())
	if err != nil {
		return nil, err
	}
	if err := replaceTemplatePermissions(ctx, q, t.ID, permIDs); err != nil {
		return nil, err
	}

	t.UpdatedAt = now()
	if err := touchTemplate(ctx, q, t.ID, t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Permissions = next.Names()
	return t, nil
}

func deleteTemplate(ctx context.Context, q database.Querier, t *RoleTemplate) error {
	if t.IsSystem {
		return fmt.Errorf("%w: %q", ErrSystemTemplateProtected, t.Name)
	}

	inUse, err := countRoles(ctx, q, t.ID)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return &TemplateInUseError{TemplateID: t.ID, Count: inUse}
	}

	if !t.CanBeDeleted {
		return fmt.Errorf("%w: %q", ErrTemplateProtected, t.Name)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM role_template_permissions WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to delete template permissions: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM role_templates WHERE id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

func findTemplateByName(ctx context.Context, q database.Querier, name string, organisationID *int64) (*RoleTemplate, error) {
	var row *sql.Row
	if organisationID == nil {
		row = q.QueryRowContext(ctx,
			`SELECT `+templateColumns+` FROM role_templates t WHERE t.name = $1 AND t.is_system = TRUE`,
			name,
		)
	} else {
		// organisation-owned rows sort before the system row
		row = q.QueryRowContext(ctx, `
			SELECT `+templateColumns+`
			FROM role_templates t
			WHERE t.name = $1 AND (t.organisation_id = $2 OR t.is_system = TRUE)
			ORDER BY t.is_system
			LIMIT 1
		`, name, *organisationID)
	}

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template: %w", err)
	}
	if err := loadTemplatePermissions(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}
