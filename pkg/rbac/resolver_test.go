package rbac

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_EffectivePermissionsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := newTestEngine(t)
	ctx := context.Background()

	var catalogue []PermissionName
	for _, resource := range []string{"project", "task", "billing", "member"} {
		for _, action := range []string{"read", "create", "delete"} {
			name := fmt.Sprintf("%s.%s", resource, action)
			registerPermissions(t, e, name)
			catalogue = append(catalogue, PermissionName(name))
		}
	}
	pick := func() []PermissionName {
		set := NewPermissionSet()
		for len(set) == 0 {
			for _, p := range catalogue {
				if rng.Intn(4) == 0 {
					set.Add(p)
				}
			}
		}
		return set.Names()
	}

	roles := make([]*Role, 6)
	for i := range roles {
		r, err := e.CreateCustomRole(ctx, org1, TemplateInput{Name: fmt.Sprintf("role-%d", i), Permissions: pick()})
		require.NoError(t, err)
		roles[i] = r
	}

	for id := int64(1); id <= 15; id++ {
		s := User(id)
		expected := NewPermissionSet()
		for _, r := range roles {
			if rng.Intn(3) == 0 {
				_, err := e.Assign(ctx, r.ID, s, org1)
				require.NoError(t, err)
				expected.Add(r.Template.Permissions...)
			}
		}

		grants, denials := NewPermissionSet(), NewPermissionSet()
		for _, p := range catalogue {
			switch rng.Intn(8) {
			case 0:
				_, err := e.Grant(ctx, s, p, org1)
				require.NoError(t, err)
				grants.Add(p)
			case 1:
				_, err := e.Deny(ctx, s, p, org1)
				require.NoError(t, err)
				denials.Add(p)
			}
		}
		expected.Add(grants.Names()...)
		expected.Remove(denials.Names()...)

		got, err := e.EffectivePermissions(ctx, s, org1)
		require.NoError(t, err)
		assert.Equal(t, expected.Names(), got.Names(), "subject %s", s)

		for _, p := range catalogue {
			ok, err := e.HasPermission(ctx, s, p, org1)
			require.NoError(t, err)
			assert.Equal(t, expected.Has(p), ok, "subject %s permission %s", s, p)
		}

		other, err := e.EffectivePermissions(ctx, s, org2)
		require.NoError(t, err)
		assert.Empty(t, other)
	}
}

func TestResolver_DecisionSources(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	_, err = e.Deny(ctx, u1, "project.delete", org1)
	require.NoError(t, err)
	_, err = e.Grant(ctx, u1, "billing.export", org1)
	require.NoError(t, err)

	tests := []struct {
		permission PermissionName
		allowed    bool
		source     DecisionSource
	}{
		{"project.create", true, SourceRole},
		{"project.delete", false, SourceDenyOverride},
		{"billing.export", true, SourceGrantOverride},
		{"task.create", false, SourceNone},
		{"ghost.haunt", false, SourceNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.permission), func(t *testing.T) {
			d, err := e.Check(ctx, u1, tt.permission, org1)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.source, d.Source)
		})
	}

	t.Run("denial beats a grant", func(t *testing.T) {
		_, err := e.Grant(ctx, u1, "project.delete", org1)
		require.NoError(t, err)
		_, err = e.Deny(ctx, u1, "project.delete", org1)
		require.NoError(t, err)

		ok, err := e.HasPermission(ctx, u1, "project.delete", org1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid subject", func(t *testing.T) {
		_, err := e.Check(ctx, Subject{Type: SubjectTypeUser}, "project.create", org1)
		assert.ErrorIs(t, err, ErrInvalidSubject)
		_, err = e.EffectivePermissions(ctx, Subject{}, org1)
		assert.ErrorIs(t, err, ErrInvalidSubject)
	})
}

func TestResolver_Cache(t *testing.T) {
	cache := newMapCache()
	e := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)

	perms, err := e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, names("project.create", "project.delete"), perms.Names())
	assert.Equal(t, 1, cache.size())

	// callers cannot corrupt the cached set
	perms.Add("billing.export")

	d, err := e.Check(ctx, u1, "billing.export", org1)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Source: SourceCache}, d)

	d, err = e.Check(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceCache}, d)

	_, err = e.Deny(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.size())

	ok, err := e.HasPermission(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.False(t, ok)
}

// failingCache fails every call
type failingCache struct{}

var errCacheDown = errors.New("cache down")

func (failingCache) Get(context.Context, Subject, int64) (PermissionSet, bool, error) {
	return nil, false, errCacheDown
}

func (failingCache) Set(context.Context, Subject, int64, PermissionSet) error {
	return errCacheDown
}

func (failingCache) InvalidateSubject(context.Context, Subject, int64) error {
	return errCacheDown
}

func (failingCache) InvalidateOrganisation(context.Context, int64) error {
	return errCacheDown
}

func (failingCache) InvalidateAll(context.Context) error {
	return errCacheDown
}

func TestResolver_CacheFailureFallsBackToStore(t *testing.T) {
	e := newTestEngine(t, WithCache(failingCache{}))
	ctx := context.Background()
	admin, sysRole := seedAdmin(t, e)

	// invalidation failures do not fail the committed mutation
	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	_, err = e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, names("project.create"))
	require.NoError(t, err)

	perms, err := e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, names("project.create"), perms.Names())

	d, err := e.Check(ctx, u1, "project.create", org1)
	require.NoError(t, err)
	assert.Equal(t, SourceRole, d.Source)
}

func TestResolver_HighestLevel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	reviewer, err := e.CreateCustomRole(ctx, org1, TemplateInput{Name: "reviewer", Level: 10, Permissions: names("project.read")})
	require.NoError(t, err)
	peer, err := e.CreateCustomRole(ctx, org1, TemplateInput{Name: "peer", Level: 10, Permissions: names("task.create")})
	require.NoError(t, err)

	_, err = e.HighestLevel(ctx, u1, org1)
	assert.ErrorIs(t, err, ErrNoRole)

	_, err = e.Assign(ctx, reviewer.ID, u1, org1)
	require.NoError(t, err)
	level, err := e.HighestLevel(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, 10, level)

	_, err = e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	level, err = e.HighestLevel(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, 100, level)

	_, err = e.Assign(ctx, peer.ID, u2, org1)
	require.NoError(t, err)

	tests := []struct {
		name            string
		manager, target Subject
		want            bool
	}{
		{"higher level", u1, u2, true},
		{"lower level", u2, u1, false},
		{"equal level", u2, u2, false},
		{"manager without role", u3, u2, false},
		{"target without role", u2, u3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Outranks(ctx, tt.manager, tt.target, org1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// gatedCache parks the first Set until release is closed
type gatedCache struct {
	*mapCache
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCache() *gatedCache {
	return &gatedCache{
		mapCache: newMapCache(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (c *gatedCache) Set(ctx context.Context, subject Subject, organisationID int64, perms PermissionSet) error {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		<-c.release
	}
	return c.mapCache.Set(ctx, subject, organisationID, perms)
}

func TestResolver_InvalidationDuringCacheWrite(t *testing.T) {
	cache := newGatedCache()
	e := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.EffectivePermissions(ctx, u1, org1)
		done <- err
	}()

	select {
	case <-cache.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("resolver never wrote to the cache")
	}

	_, err = e.Deny(ctx, u1, "project.delete", org1)
	require.NoError(t, err)

	close(cache.release)
	require.NoError(t, <-done)

	perms, err := e.EffectivePermissions(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, names("project.create"), perms.Names())

	ok, err := e.HasPermission(ctx, u1, "project.delete", org1)
	require.NoError(t, err)
	assert.False(t, ok)
}
