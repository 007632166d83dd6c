package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskforge/pkg/audit"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

// capturedAudit keeps every event in memory
type capturedAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
	err    error
}

func (c *capturedAudit) Log(_ context.Context, event *audit.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *capturedAudit) Close() error { return nil }

func (c *capturedAudit) last() *audit.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func (c *capturedAudit) ofType(typ audit.EventType) []*audit.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*audit.AuditEvent
	for _, e := range c.events {
		if e.EventType == typ {
			out = append(out, e)
		}
	}
	return out
}

// staticMembership admits the listed subjects only
type staticMembership struct {
	members map[int64][]Subject
	err     error
}

func (m staticMembership) IsMember(_ context.Context, organisationID int64, subject Subject) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for _, s := range m.members[organisationID] {
		if s == subject {
			return true, nil
		}
	}
	return false, nil
}

func TestEngine_Membership(t *testing.T) {
	membership := staticMembership{members: map[int64][]Subject{org1: {u1}}}
	e := newTestEngine(t, WithMembership(membership))
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)

	_, err = e.Assign(ctx, sysRole.ID, u2, org1)
	assert.ErrorIs(t, err, ErrSubjectNotInOrganisation)

	_, err = e.Assign(ctx, sysRole.ID, u1, org2)
	assert.ErrorIs(t, err, ErrSubjectNotInOrganisation)

	_, err = e.Grant(ctx, u2, "project.read", org1)
	assert.ErrorIs(t, err, ErrSubjectNotInOrganisation)

	_, err = e.ReplaceAssignments(ctx, u2, org1, []int64{sysRole.ID})
	assert.ErrorIs(t, err, ErrSubjectNotInOrganisation)

	// clearing a non-member's roles is always allowed
	_, err = e.ReplaceAssignments(ctx, u2, org1, nil)
	require.NoError(t, err)

	t.Run("membership lookup failure", func(t *testing.T) {
		e := newTestEngine(t, WithMembership(staticMembership{err: errors.New("directory unavailable")}))
		_, sysRole := seedAdmin(t, e)
		_, err := e.Assign(ctx, sysRole.ID, u1, org1)
		assert.ErrorIs(t, err, ErrStore)
	})
}

func TestEngine_AuditTrail(t *testing.T) {
	sink := &capturedAudit{}
	e := newTestEngine(t, WithAuditLogger(sink))
	ctx := audit.WithActor(context.Background(), "admin@example.com")
	ctx = audit.WithOperationID(ctx, "op-123")
	admin, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)

	event := sink.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.EventTypeAssignmentGrant, event.EventType)
	assert.Equal(t, audit.EventStatusSuccess, event.Status)
	assert.Equal(t, "op-123", event.OperationID)
	assert.Equal(t, "admin@example.com", event.Actor)
	assert.Equal(t, u1.String(), event.Subject)
	require.NotNil(t, event.OrganisationID)
	assert.Equal(t, org1, *event.OrganisationID)
	assert.Equal(t, "admin", event.ResourceName)

	result, err := e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, names("project.create"))
	require.NoError(t, err)

	event = sink.last()
	assert.Equal(t, audit.EventTypeOverrideCreate, event.EventType)
	assert.Equal(t, 1, event.Metadata["migrated"])
	assert.Equal(t, result.Template.ID, event.Metadata["override_template_id"])

	_, err = e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, nil)
	require.Error(t, err)

	event = sink.last()
	assert.Equal(t, audit.EventTypeOverrideCreate, event.EventType)
	assert.Equal(t, audit.EventStatusFailure, event.Status)
	assert.Contains(t, event.ErrorMessage, "override already exists")

	_, err = e.RevertToSystem(context.Background(), result.Role.ID, org1, RevertOptions{})
	require.NoError(t, err)

	reverts := sink.ofType(audit.EventTypeOverrideRevert)
	require.Len(t, reverts, 1)
	assert.NotEmpty(t, reverts[0].OperationID)
	assert.NotEqual(t, "op-123", reverts[0].OperationID)
	assert.Equal(t, sysRole.ID, reverts[0].Metadata["system_role_id"])

	// reads are not audited
	before := len(sink.ofType(audit.EventTypeAssignmentGrant))
	_, err = e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	_, err = e.HasPermission(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.Len(t, sink.ofType(audit.EventTypeAssignmentGrant), before)
}

func TestEngine_AuditFailureDoesNotFailOperation(t *testing.T) {
	sink := &capturedAudit{err: errors.New("disk full")}
	e := newTestEngine(t, WithAuditLogger(sink))
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	assert.NotNil(t, sink.last())
}

func TestEngine_InvalidationScopes(t *testing.T) {
	cache := newMapCache()
	e := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	admin, sysRole := seedAdmin(t, e)

	// seeding created the template, which invalidates nothing
	assert.Empty(t, cache.recorded())

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	_, err = e.Deny(ctx, u1, "project.delete", org1)
	require.NoError(t, err)
	result, err := e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, nil)
	require.NoError(t, err)
	_, err = e.RevertToSystem(ctx, result.Role.ID, org1, RevertOptions{})
	require.NoError(t, err)
	_, _, err = e.CreateSystemTemplate(ctx, SystemTemplateInput{Name: "admin", Level: 90, Permissions: names("project.create")})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"subject:user:101@1",
		"subject:user:101@1",
		"organisation@1",
		"organisation@1",
		"all",
	}, cache.recorded())

	// a rejected mutation invalidates nothing
	_, err = e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, []PermissionName{})
	require.Error(t, err)
	assert.Len(t, cache.recorded(), 5)
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	e := newTestEngine(t, WithMetrics(metrics), WithCache(newMapCache()))
	ctx := context.Background()
	admin, sysRole := seedAdmin(t, e)

	for _, s := range []Subject{u1, u2} {
		_, err := e.Assign(ctx, sysRole.ID, s, org1)
		require.NoError(t, err)
	}
	_, err := e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, nil)
	require.NoError(t, err)
	_, err = e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, nil)
	require.Error(t, err)

	ok, err := e.HasPermission(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.HasPermission(ctx, u1, "billing.export", org1)
	require.NoError(t, err)
	require.False(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.MigratedAssignments.WithLabelValues("create_override")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("create_override", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("create_override", "rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("assign", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("allowed", "role")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("denied", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheInvalidationsTotal.WithLabelValues("subject")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss")))

	_, err = e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	_, err = e.HasPermission(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("allowed", "cache")))
}

func TestEngine_PurgeSubject(t *testing.T) {
	cache := newMapCache()
	e := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	_, err = e.Assign(ctx, sysRole.ID, u1, org2)
	require.NoError(t, err)
	_, err = e.Grant(ctx, u1, "billing.export", org1)
	require.NoError(t, err)

	removed, err := e.PurgeSubject(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	perms, err := e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	assert.Empty(t, perms)

	roles, err := e.RolesFor(ctx, u1, org2)
	require.NoError(t, err)
	assert.Len(t, roles, 1)

	_, err = e.PurgeSubject(ctx, Subject{}, org1)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestEngine_Migrate(t *testing.T) {
	e := newTestEngine(t)
	n, err := e.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
