package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Roles stores role instantiations of templates
type Roles struct {
	base
}

// NewRoles creates a role store
func NewRoles(db *sql.DB, dialect database.Dialect) *Roles {
	return &Roles{base{db: db, dialect: dialect}}
}

// Get returns a role with its template
func (s *Roles) Get(ctx context.Context, id int64) (*Role, error) {
	var r *Role
	err := s.read(ctx, "get role", func(tx *sql.Tx) error {
		var err error
		r, err = getRole(ctx, tx, id, "")
		return err
	})
	return r, err
}

// SystemRole returns the system role of a system template
func (s *Roles) SystemRole(ctx context.Context, templateID int64) (*Role, error) {
	var r *Role
	err := s.read(ctx, "get system role", func(tx *sql.Tx) error {
		var err error
		r, err = findSystemRole(ctx, tx, templateID, "")
		if err != nil {
			return err
		}
		return attachTemplates(ctx, tx, r)
	})
	return r, err
}

// ActiveFor returns the role an organisation uses for the named template:
// its own role when it has one, otherwise the system role
func (s *Roles) ActiveFor(ctx context.Context, name string, organisationID int64) (*Role, error) {
	var r *Role
	err := s.read(ctx, "get active role", func(tx *sql.Tx) error {
		t, err := findTemplateByName(ctx, tx, name, &organisationID)
		if err != nil {
			return err
		}
		if t.IsSystem {
			sys, err := findSystemRole(ctx, tx, t.ID, "")
			if err != nil {
				return err
			}
			r, err = redirect(ctx, tx, sys, organisationID, "")
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+roleColumns+` FROM roles r
			WHERE r.template_id = $1 AND r.organisation_id = $2 AND r.reverted_at IS NULL
		`, t.ID, organisationID)
		r, err = scanRole(row)
		if errors.Is(err, sql.ErrNoRows) {
			// a reverted override leaves its template behind; the
			// organisation is back on the system role
			sysTemplate, err := findTemplateByName(ctx, tx, name, nil)
			if errors.Is(err, ErrTemplateNotFound) {
				return fmt.Errorf("%w: no active role for template %q", ErrRoleNotFound, name)
			}
			if err != nil {
				return err
			}
			r, err = findSystemRole(ctx, tx, sysTemplate.ID, "")
			if err != nil {
				return err
			}
			r.Template = sysTemplate
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get role: %w", err)
		}
		r.Template = t
		return nil
	})
	return r, err
}

// Materialize returns the role of a template in the organisation, creating
// it when missing. A nil organisationID materialises the system role of a
// system template.
func (s *Roles) Materialize(ctx context.Context, templateID int64, organisationID *int64) (*Role, error) {
	var r *Role
	err := s.write(ctx, "materialize role", func(tx *sql.Tx) error {
		var err error
		r, err = materializeRole(ctx, tx, s.dialect, templateID, organisationID)
		return err
	})
	return r, err
}

// CreateCustom creates a custom template and its role in one transaction
func (s *Roles) CreateCustom(ctx context.Context, organisationID int64, in TemplateInput) (*Role, error) {
	if len(in.Permissions) == 0 {
		return nil, fmt.Errorf("%w: a role needs at least one permission", ErrInvalidTemplate)
	}

	var r *Role
	err := s.write(ctx, "create custom role", func(tx *sql.Tx) error {
		t, err := createCustomTemplate(ctx, tx, organisationID, in)
		if err != nil {
			return err
		}
		org := organisationID
		r = &Role{TemplateID: t.ID, OrganisationID: &org, Template: t}
		return insertRole(ctx, tx, r)
	})
	return r, err
}

// Delete removes a role without assignments. System roles and roles whose
// template is marked undeletable are protected. The role's template is
// removed as well when nothing else references it; the second return value
// reports that.
func (s *Roles) Delete(ctx context.Context, id, organisationID int64) (bool, error) {
	templateDeleted := false
	err := s.write(ctx, "delete role", func(tx *sql.Tx) error {
		var err error
		templateDeleted, err = deleteRole(ctx, tx, s.dialect, id, organisationID)
		return err
	})
	return templateDeleted, err
}

// ListForOrganisation returns the organisation's roles and every system role
// it has not overridden
func (s *Roles) ListForOrganisation(ctx context.Context, organisationID int64) ([]*Role, error) {
	var roles []*Role
	err := s.read(ctx, "list roles", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+roleColumns+`
			FROM roles r
			WHERE r.organisation_id = $1
			   OR (r.organisation_id IS NULL AND NOT EXISTS (
					SELECT 1 FROM roles o
					WHERE o.system_role_id = r.id AND o.organisation_id = $1 AND o.overrides_system = TRUE
			   ))
			ORDER BY r.id
		`, organisationID)
		if err != nil {
			return fmt.Errorf("failed to list roles: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRole(rows)
			if err != nil {
				return fmt.Errorf("failed to scan role: %w", err)
			}
			roles = append(roles, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		return attachTemplates(ctx, tx, roles...)
	})
	return roles, err
}

func insertRole(ctx context.Context, q database.Querier, r *Role) error {
	r.CreatedAt = now()
	err := q.QueryRowContext(ctx, `
		INSERT INTO roles (template_id, organisation_id, overrides_system, system_role_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`,
		r.TemplateID,
		nullInt64(r.OrganisationID),
		r.OverridesSystem,
		nullInt64(r.SystemRoleID),
		r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}

func findSystemRole(ctx context.Context, q database.Querier, templateID int64, lock string) (*Role, error) {
	r, err := scanRole(q.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles r WHERE r.template_id = $1 AND r.organisation_id IS NULL`+lock,
		templateID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no system role for template %d", ErrRoleNotFound, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system role: %w", err)
	}
	return r, nil
}

// ensureSystemRole returns the system role of a system template, creating it
// lazily. An existing row is locked for update. q must be a transaction; the
// insert runs under a savepoint and a row created concurrently is read back
// when the insert hits the unique index.
func ensureSystemRole(ctx context.Context, q database.Querier, dialect database.Dialect, templateID int64) (*Role, error) {
	r, err := findSystemRole(ctx, q, templateID, dialect.ForUpdate())
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		return nil, err
	}

	if _, err := q.ExecContext(ctx, `SAVEPOINT ensure_system_role`); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	r = &Role{TemplateID: templateID}
	if err := insertRole(ctx, q, r); err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, err
		}
		if _, err := q.ExecContext(ctx, `ROLLBACK TO SAVEPOINT ensure_system_role`); err != nil {
			return nil, fmt.Errorf("failed to roll back savepoint: %w", err)
		}
		return findSystemRole(ctx, q, templateID, dialect.ForUpdate())
	}
	if _, err := q.ExecContext(ctx, `RELEASE SAVEPOINT ensure_system_role`); err != nil {
		return nil, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return r, nil
}

// activeOverride returns the organisation's override of a system role, or
// nil when the organisation still uses the system role
func activeOverride(ctx context.Context, q database.Querier, systemRoleID, organisationID int64, lock string) (*Role, error) {
	r, err := scanRole(q.QueryRowContext(ctx, `
		SELECT `+roleColumns+` FROM roles r
		WHERE r.system_role_id = $1 AND r.organisation_id = $2 AND r.overrides_system = TRUE
	`+lock, systemRoleID, organisationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override role: %w", err)
	}
	return r, nil
}

// redirect maps a role onto the role that is active for it in the
// organisation. Roles of system templates resolve to the organisation's
// override when one exists; every other role maps onto itself.
func redirect(ctx context.Context, q database.Querier, r *Role, organisationID int64, lock string) (*Role, error) {
	if r.Template == nil {
		if err := attachTemplates(ctx, q, r); err != nil {
			return nil, err
		}
	}
	if !r.Template.IsSystem {
		return r, nil
	}

	systemRoleID := r.ID
	if !r.IsSystem() {
		sys, err := findSystemRole(ctx, q, r.TemplateID, "")
		if err != nil {
			return nil, err
		}
		systemRoleID = sys.ID
	}

	override, err := activeOverride(ctx, q, systemRoleID, organisationID, lock)
	if err != nil {
		return nil, err
	}
	if override == nil {
		return r, nil
	}
	if err := attachTemplates(ctx, q, override); err != nil {
		return nil, err
	}
	return override, nil
}

// checkRoleOwnership rejects roles that belong to another organisation
func checkRoleOwnership(r *Role, organisationID int64) error {
	if !r.VisibleTo(organisationID) {
		return fmt.Errorf("%w: role %d belongs to organisation %d", ErrTemplateOwnershipMismatch, r.ID, *r.OrganisationID)
	}
	return nil
}

func materializeRole(ctx context.Context, q database.Querier, dialect database.Dialect, templateID int64, organisationID *int64) (*Role, error) {
	t, err := getTemplate(ctx, q, templateID, "")
	if err != nil {
		return nil, err
	}

	if organisationID == nil {
		if !t.IsSystem {
			return nil, fmt.Errorf("%w: %q", ErrNotSystemTemplate, t.Name)
		}
		r, err := ensureSystemRole(ctx, q, dialect, t.ID)
		if err != nil {
			return nil, err
		}
		r.Template = t
		return r, nil
	}

	org := *organisationID
	if t.IsSystem {
		sys, err := ensureSystemRole(ctx, q, dialect, t.ID)
		if err != nil {
			return nil, err
		}
		override, err := activeOverride(ctx, q, sys.ID, org, "")
		if err != nil {
			return nil, err
		}
		if override != nil {
			return nil, fmt.Errorf("%w: %q in organisation %d", ErrOverrideAlreadyExists, t.Name, org)
		}
	} else if !t.OwnedBy(org) {
		return nil, fmt.Errorf("%w: template %d", ErrTemplateOwnershipMismatch, t.ID)
	}

	if len(t.Permissions) == 0 {
		return nil, fmt.Errorf("%w: a role needs at least one permission", ErrInvalidTemplate)
	}

	r, err := scanRole(q.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles r WHERE r.template_id = $1 AND r.organisation_id = $2`,
		t.ID, org,
	))
	switch {
	case err == nil:
		r.Template = t
		return r, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	r = &Role{TemplateID: t.ID, OrganisationID: &org, Template: t}
	if err := insertRole(ctx, q, r); err != nil {
		return nil, err
	}
	return r, nil
}

func deleteRole(ctx context.Context, q database.Querier, dialect database.Dialect, id, organisationID int64) (bool, error) {
	r, err := getRole(ctx, q, id, dialect.ForUpdate())
	if err != nil {
		return false, err
	}
	if r.IsSystem() {
		return false, fmt.Errorf("%w: role %d is a system role", ErrProtectedRole, r.ID)
	}
	if err := checkRoleOwnership(r, organisationID); err != nil {
		return false, err
	}
	if !r.Template.CanBeDeleted {
		return false, fmt.Errorf("%w: role %d", ErrProtectedRole, r.ID)
	}

	var assigned int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_assignments WHERE role_id = $1`, r.ID).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("failed to count assignments: %w", err)
	}
	if assigned > 0 {
		return false, &RoleInUseError{RoleID: r.ID, Count: assigned}
	}

	return removeRole(ctx, q, r)
}

// removeRole deletes a role row and, when it was the last reference, its
// organisation-owned template
func removeRole(ctx context.Context, q database.Querier, r *Role) (bool, error) {
	if _, err := q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, r.ID); err != nil {
		return false, fmt.Errorf("failed to delete role: %w", err)
	}

	if r.Template == nil || r.Template.IsSystem || !r.Template.CanBeDeleted {
		return false, nil
	}
	remaining, err := countRoles(ctx, q, r.TemplateID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM role_template_permissions WHERE template_id = $1`, r.TemplateID); err != nil {
		return false, fmt.Errorf("failed to delete template permissions: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM role_templates WHERE id = $1`, r.TemplateID); err != nil {
		return false, fmt.Errorf("failed to delete template: %w", err)
	}
	return true, nil
}
