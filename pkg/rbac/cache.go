package rbac

import (
	"context"
)

// Cache holds resolved effective permission sets keyed by subject and
// organisation. Every mutation of roles, templates or overrides invalidates
// the affected scope after its transaction commits.
type Cache interface {
	Get(ctx context.Context, subject Subject, organisationID int64) (PermissionSet, bool, error)
	Set(ctx context.Context, subject Subject, organisationID int64, perms PermissionSet) error
	InvalidateSubject(ctx context.Context, subject Subject, organisationID int64) error
	InvalidateOrganisation(ctx context.Context, organisationID int64) error
	InvalidateAll(ctx context.Context) error
}

// NopCache never stores anything
type NopCache struct{}

func (NopCache) Get(context.Context, Subject, int64) (PermissionSet, bool, error) {
	return nil, false, nil
}

func (NopCache) Set(context.Context, Subject, int64, PermissionSet) error {
	return nil
}

func (NopCache) InvalidateSubject(context.Context, Subject, int64) error {
	return nil
}

func (NopCache) InvalidateOrganisation(context.Context, int64) error {
	return nil
}

func (NopCache) InvalidateAll(context.Context) error {
	return nil
}

// Membership tells whether a subject belongs to an organisation. When
// configured, the engine refuses to assign roles or overrides to
// non-members.
type Membership interface {
	IsMember(ctx context.Context, organisationID int64, subject Subject) (bool, error)
}
