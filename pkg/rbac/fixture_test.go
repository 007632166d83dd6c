package rbac

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

const (
	org1 = int64(1)
	org2 = int64(2)
)

var (
	u1 = User(101)
	u2 = User(102)
	u3 = User(103)
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	db := NewTestDB(t)
	opts = append([]Option{WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard))}, opts...)
	return NewEngine(db, database.SQLite, opts...)
}

func registerPermissions(t *testing.T, e *Engine, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := e.RegisterPermission(context.Background(), n, "")
		require.NoError(t, err)
	}
}

// seedAdmin registers the project permissions and creates the system
// template "admin" with {project.create, project.delete}
func seedAdmin(t *testing.T, e *Engine) (*RoleTemplate, *Role) {
	t.Helper()
	ctx := context.Background()
	registerPermissions(t, e, "project.create", "project.delete", "project.read", "task.create", "task.delete", "billing.export")

	tmpl, outcome, err := e.CreateSystemTemplate(ctx, SystemTemplateInput{
		Name:        "admin",
		DisplayName: "Administrator",
		Level:       100,
		Permissions: []PermissionName{"project.create", "project.delete"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	role, err := e.Roles.SystemRole(ctx, tmpl.ID)
	require.NoError(t, err)
	return tmpl, role
}

func roleIDs(roles []*Role) []int64 {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func names(ns ...string) []PermissionName {
	out := make([]PermissionName, len(ns))
	for i, n := range ns {
		out[i] = PermissionName(n)
	}
	return out
}

// mapCache is an in-process Cache that records invalidations
type mapCache struct {
	mu            sync.Mutex
	sets          map[string]PermissionSet
	invalidations []string
}

func newMapCache() *mapCache {
	return &mapCache{sets: make(map[string]PermissionSet)}
}

func cacheKey(subject Subject, organisationID int64) string {
	return fmt.Sprintf("%s@%d", subject, organisationID)
}

func (c *mapCache) Get(_ context.Context, subject Subject, organisationID int64) (PermissionSet, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[cacheKey(subject, organisationID)]
	return set, ok, nil
}

func (c *mapCache) Set(_ context.Context, subject Subject, organisationID int64, perms PermissionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[cacheKey(subject, organisationID)] = perms.Clone()
	return nil
}

func (c *mapCache) InvalidateSubject(_ context.Context, subject Subject, organisationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, cacheKey(subject, organisationID))
	c.invalidations = append(c.invalidations, "subject:"+cacheKey(subject, organisationID))
	return nil
}

func (c *mapCache) InvalidateOrganisation(_ context.Context, organisationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	suffix := fmt.Sprintf("@%d", organisationID)
	for k := range c.sets {
		if strings.HasSuffix(k, suffix) {
			delete(c.sets, k)
		}
	}
	c.invalidations = append(c.invalidations, "organisation"+suffix)
	return nil
}

func (c *mapCache) InvalidateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = make(map[string]PermissionSet)
	c.invalidations = append(c.invalidations, "all")
	return nil
}

func (c *mapCache) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidations...)
}

func (c *mapCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sets)
}
