package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Assignments stores the organisation-scoped binding of subjects to roles
type Assignments struct {
	base
}

// NewAssignments creates an assignment store
func NewAssignments(db *sql.DB, dialect database.Dialect) *Assignments {
	return &Assignments{base{db: db, dialect: dialect}}
}

// Assign gives subject the role inside the organisation and returns the role
// actually assigned. A system role the organisation has overridden resolves
// to the override. Assigning an already held role is a no-op.
func (s *Assignments) Assign(ctx context.Context, roleID int64, subject Subject, organisationID int64) (*Role, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	var r *Role
	err := s.write(ctx, "assign role", func(tx *sql.Tx) error {
		var err error
		r, err = resolveAssignable(ctx, tx, s.dialect, roleID, organisationID)
		if err != nil {
			return err
		}
		return insertAssignment(ctx, tx, r.ID, subject, organisationID)
	})
	return r, err
}

// Revoke removes the role from subject inside the organisation. Revoking a
// role the subject does not hold is a no-op.
func (s *Assignments) Revoke(ctx context.Context, roleID int64, subject Subject, organisationID int64) error {
	if err := subject.Validate(); err != nil {
		return err
	}

	return s.write(ctx, "revoke role", func(tx *sql.Tx) error {
		r, err := getRole(ctx, tx, roleID, "")
		if err != nil {
			return err
		}
		if err := checkRoleOwnership(r, organisationID); err != nil {
			return err
		}
		target, err := redirect(ctx, tx, r, organisationID, "")
		if err != nil {
			return err
		}

		ids := []int64{r.ID}
		if target.ID != r.ID {
			ids = append(ids, target.ID)
		}
		for _, id := range ids {
			if err := deleteAssignment(ctx, tx, id, subject, organisationID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAssignments atomically swaps the subject's whole role set in the
// organisation for roleIDs
func (s *Assignments) ReplaceAssignments(ctx context.Context, subject Subject, organisationID int64, roleIDs []int64) ([]*Role, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	var roles []*Role
	err := s.write(ctx, "replace assignments", func(tx *sql.Tx) error {
		roles = roles[:0]
		seen := make(map[int64]bool, len(roleIDs))
		for _, id := range roleIDs {
			r, err := resolveAssignable(ctx, tx, s.dialect, id, organisationID)
			if err != nil {
				return err
			}
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			roles = append(roles, r)
		}

		_, err := tx.ExecContext(ctx, `
			DELETE FROM role_assignments
			WHERE subject_type = $1 AND subject_id = $2 AND organisation_id = $3
		`, string(subject.Type), subject.ID, organisationID)
		if err != nil {
			return fmt.Errorf("failed to clear assignments: %w", err)
		}

		for _, r := range roles {
			if err := insertAssignment(ctx, tx, r.ID, subject, organisationID); err != nil {
				return err
			}
		}
		return nil
	})
	return roles, err
}

// RolesFor returns every role the subject holds in the organisation
func (s *Assignments) RolesFor(ctx context.Context, subject Subject, organisationID int64) ([]*Role, error) {
	var roles []*Role
	err := s.read(ctx, "roles for subject", func(tx *sql.Tx) error {
		var err error
		roles, err = rolesFor(ctx, tx, subject, organisationID)
		return err
	})
	return roles, err
}

// SubjectsWithRole returns the subjects holding the role in the organisation
func (s *Assignments) SubjectsWithRole(ctx context.Context, roleID, organisationID int64) ([]Subject, error) {
	var subjects []Subject
	err := s.read(ctx, "subjects with role", func(tx *sql.Tx) error {
		var err error
		subjects, err = subjectsWithRole(ctx, tx, roleID, organisationID)
		return err
	})
	return subjects, err
}

// resolveAssignable loads a role for assignment inside the organisation and
// redirects it to the organisation's active role. The role rows are share
// locked so a concurrent override cannot miss the assignment.
func resolveAssignable(ctx context.Context, q database.Querier, dialect database.Dialect, roleID, organisationID int64) (*Role, error) {
	r, err := getRole(ctx, q, roleID, dialect.ForShare())
	if err != nil {
		return nil, err
	}
	if err := checkRoleOwnership(r, organisationID); err != nil {
		return nil, err
	}
	if !r.Active() {
		return nil, fmt.Errorf("%w: role %d", ErrRoleInactive, r.ID)
	}

	target, err := redirect(ctx, q, r, organisationID, dialect.ForShare())
	if err != nil {
		return nil, err
	}
	if !target.Active() {
		return nil, fmt.Errorf("%w: role %d", ErrRoleInactive, target.ID)
	}
	return target, nil
}

func insertAssignment(ctx context.Context, q database.Querier, roleID int64, subject Subject, organisationID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO role_assignments (role_id, subject_type, subject_id, organisation_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role_id, subject_type, subject_id, organisation_id) DO NOTHING
	`, roleID, string(subject.Type), subject.ID, organisationID, now())
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func deleteAssignment(ctx context.Context, q database.Querier, roleID int64, subject Subject, organisationID int64) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM role_assignments
		WHERE role_id = $1 AND subject_type = $2 AND subject_id = $3 AND organisation_id = $4
	`, roleID, string(subject.Type), subject.ID, organisationID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

func rolesFor(ctx context.Context, q database.Querier, subject Subject, organisationID int64) ([]*Role, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+roleColumns+`
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		WHERE ra.subject_type = $1 AND ra.subject_id = $2 AND ra.organisation_id = $3
		ORDER BY r.id
	`, string(subject.Type), subject.ID, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := attachTemplates(ctx, q, roles...); err != nil {
		return nil, err
	}
	return roles, nil
}

func subjectsWithRole(ctx context.Context, q database.Querier, roleID, organisationID int64) ([]Subject, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT subject_type, subject_id
		FROM role_assignments
		WHERE role_id = $1 AND organisation_id = $2
		ORDER BY subject_type, subject_id
	`, roleID, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []Subject
	for rows.Next() {
		var subject Subject
		var typ string
		if err := rows.Scan(&typ, &subject.ID); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subject.Type = SubjectType(typ)
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// purgeSubject drops every assignment and permission override the subject
// holds in the organisation
func purgeSubject(ctx context.Context, q database.Querier, subject Subject, organisationID int64) (int64, error) {
	var total int64
	for _, table := range []string{"role_assignments", "permission_overrides"} {
		res, err := q.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE subject_type = $1 AND subject_id = $2 AND organisation_id = $3`,
			string(subject.Type), subject.ID, organisationID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
