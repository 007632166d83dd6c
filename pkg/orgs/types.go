package orgs

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

var (
	// ErrMemberNotFound is returned when the subject is not a member
	ErrMemberNotFound = errors.New("member not found")

	// ErrMemberExists is returned when adding a subject twice
	ErrMemberExists = errors.New("member already exists")

	// ErrInvalidOrganisation is returned for a non-positive organisation id
	ErrInvalidOrganisation = errors.New("invalid organisation id")
)

// Member is one subject's membership of an organisation
type Member struct {
	OrganisationID int64        `json:"organisation_id"`
	Subject        rbac.Subject `json:"subject"`
	AddedBy        string       `json:"added_by,omitempty"`
	JoinedAt       time.Time    `json:"joined_at"`
}

// Purger removes a subject's access in an organisation
type Purger interface {
	PurgeSubject(ctx context.Context, subject rbac.Subject, organisationID int64) (int64, error)
}

// Service manages organisation membership
type Service interface {
	rbac.Membership

	AddMember(ctx context.Context, organisationID int64, subject rbac.Subject, addedBy string) (*Member, error)
	GetMember(ctx context.Context, organisationID int64, subject rbac.Subject) (*Member, error)
	ListMembers(ctx context.Context, organisationID int64) ([]*Member, error)
	RemoveMember(ctx context.Context, organisationID int64, subject rbac.Subject) (int64, error)
	Organisations(ctx context.Context, subject rbac.Subject) ([]int64, error)
}
