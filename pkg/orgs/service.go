package orgs

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLService implements Service over the organisation_members table
type SQLService struct {
	db     *sql.DB
	purger Purger
}

var _ Service = (*SQLService)(nil)

// NewSQLService creates the service and its table. purger may be nil, in
// which case removing a member leaves its roles in place.
func NewSQLService(ctx context.Context, db *sql.DB, purger Purger) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &SQLService{db: db, purger: purger}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure organisation_members table: %w", err)
	}
	return s, nil
}

func (s *SQLService) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS organisation_members (
		organisation_id BIGINT NOT NULL,
		subject_type VARCHAR(50) NOT NULL,
		subject_id BIGINT NOT NULL,
		added_by VARCHAR(255) NOT NULL DEFAULT '',
		joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (organisation_id, subject_type, subject_id)
	);

	CREATE INDEX IF NOT EXISTS idx_organisation_members_subject
		ON organisation_members(subject_type, subject_id);
	`)
	return err
}

// SetPurger sets the collaborator that removes a departing member's access.
// The engine usually takes the service as its membership check, so the two
// are wired after both exist.
func (s *SQLService) SetPurger(p Purger) {
	s.purger = p
}
