package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Protocol moves an organisation between a system role and its own override
// of that role. Every operation runs in one transaction: assignments either
// all move or none do.
type Protocol struct {
	base
}

// NewProtocol creates the override protocol
func NewProtocol(db *sql.DB, dialect database.Dialect) *Protocol {
	return &Protocol{base{db: db, dialect: dialect}}
}

// PermissionChange is the outcome of AddPermissions and RemovePermissions.
// Override is set when the change had to override a system role first.
type PermissionChange struct {
	Role     *Role
	Override *OverrideResult
}

// CreateOverride gives the organisation its own copy of a system template
// and moves every assignment of the system role in that organisation onto
// the new role. A nil permissions slice copies the system template's
// permissions; an empty one is rejected.
func (p *Protocol) CreateOverride(ctx context.Context, systemTemplateID, organisationID int64, fields TemplateFields, permissions []PermissionName) (*OverrideResult, error) {
	var result *OverrideResult
	err := p.write(ctx, "create override", func(tx *sql.Tx) error {
		var err error
		result, err = createOverride(ctx, tx, p.dialect, systemTemplateID, organisationID, fields, permissions)
		return err
	})
	return result, err
}

// RevertToSystem moves every assignment of an override role back onto the
// system role it overrides. The override role is detached and kept, unless
// opts.PurgeOrphan asks for it to be deleted.
func (p *Protocol) RevertToSystem(ctx context.Context, roleID, organisationID int64, opts RevertOptions) (*RevertResult, error) {
	var result *RevertResult
	err := p.write(ctx, "revert to system", func(tx *sql.Tx) error {
		var err error
		result, err = revertToSystem(ctx, tx, p.dialect, roleID, organisationID, opts)
		return err
	})
	return result, err
}

// AddPermissions adds names to the role's template. For a system role the
// organisation's override is created first, or reused when it exists.
func (p *Protocol) AddPermissions(ctx context.Context, roleID, organisationID int64, names []PermissionName) (*PermissionChange, error) {
	var change *PermissionChange
	err := p.write(ctx, "add permissions", func(tx *sql.Tx) error {
		var err error
		change, err = changeRolePermissions(ctx, tx, p.dialect, roleID, organisationID, names, nil)
		return err
	})
	return change, err
}

// RemovePermissions removes names from the role's template, overriding a
// system role first. It fails with ErrCannotRemoveAllPermissions when no
// permission would remain.
func (p *Protocol) RemovePermissions(ctx context.Context, roleID, organisationID int64, names []PermissionName) (*PermissionChange, error) {
	var change *PermissionChange
	err := p.write(ctx, "remove permissions", func(tx *sql.Tx) error {
		var err error
		change, err = changeRolePermissions(ctx, tx, p.dialect, roleID, organisationID, nil, names)
		return err
	})
	return change, err
}

func createOverride(ctx context.Context, q database.Querier, dialect database.Dialect, systemTemplateID, organisationID int64, fields TemplateFields, permissions []PermissionName) (*OverrideResult, error) {
	sysTemplate, err := getTemplate(ctx, q, systemTemplateID, "")
	if err != nil {
		return nil, err
	}
	if !sysTemplate.IsSystem {
		return nil, fmt.Errorf("%w: %q", ErrNotSystemTemplate, sysTemplate.Name)
	}

	// the system role row serialises concurrent overrides and assignments
	sysRole, err := ensureSystemRole(ctx, q, dialect, sysTemplate.ID)
	if err != nil {
		return nil, err
	}

	var clash int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_templates WHERE name = $1 AND organisation_id = $2`,
		sysTemplate.Name, organisationID,
	).Scan(&clash)
	if err != nil {
		return nil, fmt.Errorf("failed to check override template: %w", err)
	}
	if clash > 0 {
		return nil, fmt.Errorf("%w: template %q in organisation %d", ErrOverrideAlreadyExists, sysTemplate.Name, organisationID)
	}

	existing, err := activeOverride(ctx, q, sysRole.ID, organisationID, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: role %d in organisation %d", ErrOverrideAlreadyExists, existing.ID, organisationID)
	}

	sources, err := legacyRoleIDs(ctx, q, dialect, sysTemplate.ID, organisationID)
	if err != nil {
		return nil, err
	}
	sources = append([]int64{sysRole.ID}, sources...)

	wanted := sysTemplate.PermissionSet()
	if permissions != nil {
		wanted = NewPermissionSet(permissions...)
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("%w: override of %q", ErrCannotRemoveAllPermissions, sysTemplate.Name)
	}
	permIDs, err := permissionIDs(ctx, q, wanted.Names())
	if err != nil {
		return nil, err
	}

	org := organisationID
	tmpl := &RoleTemplate{
		Name:           sysTemplate.Name,
		DisplayName:    sysTemplate.DisplayName,
		Description:    sysTemplate.Description,
		Level:          sysTemplate.Level,
		IsSystem:       false,
		OrganisationID: &org,
		CanBeDeleted:   true,
	}
	applyFields(tmpl, fields)

	if err := insertTemplate(ctx, q, tmpl); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: template %q in organisation %d", ErrOverrideAlreadyExists, sysTemplate.Name, organisationID)
		}
		return nil, err
	}
	if err := insertTemplatePermissions(ctx, q, tmpl.ID, permIDs); err != nil {
		return nil, err
	}
	tmpl.Permissions = wanted.Names()

	systemRoleID := sysRole.ID
	role := &Role{
		TemplateID:      tmpl.ID,
		OrganisationID:  &org,
		OverridesSystem: true,
		SystemRoleID:    &systemRoleID,
		Template:        tmpl,
	}
	if err := insertRole(ctx, q, role); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: role %d in organisation %d", ErrOverrideAlreadyExists, sysRole.ID, organisationID)
		}
		return nil, err
	}

	migrated, err := migrateAssignments(ctx, q, sources, role.ID, organisationID)
	if err != nil {
		return nil, err
	}

	return &OverrideResult{Role: role, Template: tmpl, MigratedUserCount: migrated}, nil
}

// legacyRoleIDs returns organisation roles that instantiate a system template
// directly, without being an override. They are migration sources too.
func legacyRoleIDs(ctx context.Context, q database.Querier, dialect database.Dialect, templateID, organisationID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM roles
		WHERE template_id = $1 AND organisation_id = $2 AND overrides_system = FALSE
		ORDER BY id
	`+dialect.ForUpdate(), templateID, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan legacy role: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// migrateAssignments moves the organisation's assignments of every source
// role onto target, keeping each subject once, and returns how many subjects
// moved
func migrateAssignments(ctx context.Context, q database.Querier, sources []int64, target, organisationID int64) (int, error) {
	args := make([]any, 0, len(sources)+2)
	args = append(args, target)
	for _, id := range sources {
		args = append(args, id)
	}
	args = append(args, organisationID)

	in := database.Placeholders(2, len(sources))
	orgArg := fmt.Sprintf("$%d", len(sources)+2)

	res, err := q.ExecContext(ctx, `
		INSERT INTO role_assignments (role_id, subject_type, subject_id, organisation_id, created_at)
		SELECT CAST($1 AS BIGINT), subject_type, subject_id, organisation_id, MIN(created_at)
		FROM role_assignments
		WHERE role_id IN (`+in+`) AND organisation_id = `+orgArg+`
		GROUP BY subject_type, subject_id, organisation_id
		ON CONFLICT (role_id, subject_type, subject_id, organisation_id) DO NOTHING
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to copy assignments: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count copied assignments: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE role_id IN (`+database.Placeholders(1, len(sources))+`) AND organisation_id = `+fmt.Sprintf("$%d", len(sources)+1),
		args[1:]...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to remove migrated assignments: %w", err)
	}

	return int(moved), nil
}

func revertToSystem(ctx context.Context, q database.Querier, dialect database.Dialect, roleID, organisationID int64, opts RevertOptions) (*RevertResult, error) {
	r, err := getRole(ctx, q, roleID, "")
	if err != nil {
		return nil, err
	}
	if !r.OverridesSystem || r.SystemRoleID == nil {
		return nil, fmt.Errorf("%w: role %d", ErrNotAnOverride, r.ID)
	}
	if !r.VisibleTo(organisationID) || !r.Template.OwnedBy(organisationID) {
		return nil, fmt.Errorf("%w: role %d in organisation %d", ErrTemplateOwnershipMismatch, r.ID, organisationID)
	}

	// lock the system role before the override, the same order assignments use
	sysRole, err := getRole(ctx, q, *r.SystemRoleID, dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	r, err = getRole(ctx, q, roleID, dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if !r.OverridesSystem {
		return nil, fmt.Errorf("%w: role %d", ErrNotAnOverride, r.ID)
	}

	migrated, err := migrateAssignments(ctx, q, []int64{r.ID}, sysRole.ID, organisationID)
	if err != nil {
		return nil, err
	}

	revertedAt := now()
	_, err = q.ExecContext(ctx,
		`UPDATE roles SET overrides_system = FALSE, reverted_at = $1 WHERE id = $2`,
		revertedAt, r.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to detach override role: %w", err)
	}

	result := &RevertResult{SystemRole: sysRole, MigratedUserCount: migrated}
	if opts.PurgeOrphan {
		result.TemplatePurged, err = removeRole(ctx, q, r)
		if err != nil {
			return nil, err
		}
		result.RolePurged = true
	}
	return result, nil
}

func changeRolePermissions(ctx context.Context, q database.Querier, dialect database.Dialect, roleID, organisationID int64, add, remove []PermissionName) (*PermissionChange, error) {
	r, err := getRole(ctx, q, roleID, "")
	if err != nil {
		return nil, err
	}
	if err := checkRoleOwnership(r, organisationID); err != nil {
		return nil, err
	}
	if !r.Active() {
		return nil, fmt.Errorf("%w: role %d", ErrRoleInactive, r.ID)
	}

	if r.Template.IsSystem {
		target, err := redirect(ctx, q, r, organisationID, "")
		if err != nil {
			return nil, err
		}
		if target.ID == r.ID {
			current := r.Template.PermissionSet()
			next := r.Template.PermissionSet()
			next.Add(add...)
			next.Remove(remove...)
			if next.Equal(current) {
				return &PermissionChange{Role: r}, nil
			}
			if len(next) == 0 {
				return nil, fmt.Errorf("%w: role %d", ErrCannotRemoveAllPermissions, r.ID)
			}

			result, err := createOverride(ctx, q, dialect, r.TemplateID, organisationID, TemplateFields{}, next.Names())
			if err != nil {
				return nil, err
			}
			return &PermissionChange{Role: result.Role, Override: result}, nil
		}
		r = target
	}

	if !r.Template.OwnedBy(organisationID) {
		return nil, fmt.Errorf("%w: template %d", ErrTemplateOwnershipMismatch, r.TemplateID)
	}
	t, err := changeTemplatePermissions(ctx, q, dialect, r.TemplateID, add, remove)
	if err != nil {
		return nil, err
	}
	r.Template = t
	return &PermissionChange{Role: r}, nil
}
