package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// UserOverrides stores direct per-subject permission grants and denials
type UserOverrides struct {
	base
}

// NewUserOverrides creates a user-permission override store
func NewUserOverrides(db *sql.DB, dialect database.Dialect) *UserOverrides {
	return &UserOverrides{base{db: db, dialect: dialect}}
}

// SetOverride records a grant (grant=true) or denial of the permission for
// subject in the organisation, replacing any earlier override of it
func (s *UserOverrides) SetOverride(ctx context.Context, subject Subject, name PermissionName, organisationID int64, grant bool) (*PermissionOverride, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	var o *PermissionOverride
	err := s.write(ctx, "set permission override", func(tx *sql.Tx) error {
		perm, err := getPermission(ctx, tx, name)
		if err != nil {
			return err
		}

		o = &PermissionOverride{
			Subject:        subject,
			Permission:     perm.Name,
			OrganisationID: organisationID,
			Grant:          grant,
			CreatedAt:      now(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO permission_overrides (subject_type, subject_id, permission_id, organisation_id, granted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (subject_type, subject_id, permission_id, organisation_id)
			DO UPDATE SET granted = EXCLUDED.granted, created_at = EXCLUDED.created_at
		`, string(subject.Type), subject.ID, perm.ID, organisationID, grant, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert permission override: %w", err)
		}
		return nil
	})
	return o, err
}

// ClearOverride removes the override of the permission, if any
func (s *UserOverrides) ClearOverride(ctx context.Context, subject Subject, name PermissionName, organisationID int64) error {
	if err := subject.Validate(); err != nil {
		return err
	}

	return s.write(ctx, "clear permission override", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM permission_overrides
			WHERE subject_type = $1 AND subject_id = $2 AND organisation_id = $3
			  AND permission_id IN (SELECT id FROM permissions WHERE name = $4)
		`, string(subject.Type), subject.ID, organisationID, string(name))
		if err != nil {
			return fmt.Errorf("failed to delete permission override: %w", err)
		}
		return nil
	})
}

// ListOverrides returns the subject's overrides in the organisation ordered
// by permission name
func (s *UserOverrides) ListOverrides(ctx context.Context, subject Subject, organisationID int64) ([]PermissionOverride, error) {
	var overrides []PermissionOverride
	err := s.read(ctx, "list permission overrides", func(tx *sql.Tx) error {
		var err error
		overrides, err = listOverrides(ctx, tx, subject, organisationID)
		return err
	})
	return overrides, err
}

func listOverrides(ctx context.Context, q database.Querier, subject Subject, organisationID int64) ([]PermissionOverride, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.name, po.granted, po.created_at
		FROM permission_overrides po
		JOIN permissions p ON p.id = po.permission_id
		WHERE po.subject_type = $1 AND po.subject_id = $2 AND po.organisation_id = $3
		ORDER BY p.name
	`, string(subject.Type), subject.ID, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission overrides: %w", err)
	}
	defer rows.Close()

	var overrides []PermissionOverride
	for rows.Next() {
		o := PermissionOverride{Subject: subject, OrganisationID: organisationID}
		var name string
		if err := rows.Scan(&name, &o.Grant, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission override: %w", err)
		}
		o.Permission = PermissionName(name)
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

