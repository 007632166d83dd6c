package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

func validate(organisationID int64, subject rbac.Subject) error {
	if organisationID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOrganisation, organisationID)
	}
	return subject.Validate()
}

// IsMember reports whether subject belongs to the organisation
func (s *SQLService) IsMember(ctx context.Context, organisationID int64, subject rbac.Subject) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM organisation_members
		WHERE organisation_id = $1 AND subject_type = $2 AND subject_id = $3
	`, organisationID, string(subject.Type), subject.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// AddMember adds subject to the organisation
func (s *SQLService) AddMember(ctx context.Context, organisationID int64, subject rbac.Subject, addedBy string) (*Member, error) {
	if err := validate(organisationID, subject); err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO organisation_members (organisation_id, subject_type, subject_id, added_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organisation_id, subject_type, subject_id) DO NOTHING
	`, organisationID, string(subject.Type), subject.ID, addedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s in organisation %d", ErrMemberExists, subject, organisationID)
	}

	return s.GetMember(ctx, organisationID, subject)
}

const memberColumns = `organisation_id, subject_type, subject_id, added_by, joined_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row scanner) (*Member, error) {
	m := &Member{}
	var subjectType string
	if err := row.Scan(&m.OrganisationID, &subjectType, &m.Subject.ID, &m.AddedBy, &m.JoinedAt); err != nil {
		return nil, err
	}
	m.Subject.Type = rbac.SubjectType(subjectType)
	return m, nil
}

// GetMember retrieves one membership
func (s *SQLService) GetMember(ctx context.Context, organisationID int64, subject rbac.Subject) (*Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM organisation_members
		WHERE organisation_id = $1 AND subject_type = $2 AND subject_id = $3
	`, organisationID, string(subject.Type), subject.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in organisation %d", ErrMemberNotFound, subject, organisationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// ListMembers returns the organisation's members in joining order
func (s *SQLService) ListMembers(ctx context.Context, organisationID int64) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM organisation_members
		WHERE organisation_id = $1
		ORDER BY joined_at ASC, subject_type ASC, subject_id ASC
	`, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Organisations lists the organisations subject belongs to
func (s *SQLService) Organisations(ctx context.Context, subject rbac.Subject) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organisation_id FROM organisation_members
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY organisation_id
	`, string(subject.Type), subject.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organisations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organisation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveMember removes subject from the organisation and purges its
// assignments and permission overrides there. The membership goes first so
// no new role can be granted while the purge runs; a failed purge can be
// retried through the engine. Returns how many rows the purge removed.
func (s *SQLService) RemoveMember(ctx context.Context, organisationID int64, subject rbac.Subject) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM organisation_members
		WHERE organisation_id = $1 AND subject_type = $2 AND subject_id = $3
	`, organisationID, string(subject.Type), subject.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, fmt.Errorf("%w: %s in organisation %d", ErrMemberNotFound, subject, organisationID)
	}

	if s.purger == nil {
		return 0, nil
	}
	purged, err := s.purger.PurgeSubject(ctx, subject, organisationID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", subject, err)
	}
	return purged, nil
}
