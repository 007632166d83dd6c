package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignments_Assign(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	r, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, sysRole.ID, r.ID)

	t.Run("idempotent", func(t *testing.T) {
		_, err := e.Assign(ctx, sysRole.ID, u1, org1)
		require.NoError(t, err)

		roles, err := e.RolesFor(ctx, u1, org1)
		require.NoError(t, err)
		assert.Equal(t, []int64{sysRole.ID}, roleIDs(roles))
	})

	t.Run("scoped to the organisation", func(t *testing.T) {
		roles, err := e.RolesFor(ctx, u1, org2)
		require.NoError(t, err)
		assert.Empty(t, roles)

		ok, err := e.HasPermission(ctx, u1, "project.create", org2)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("role of another organisation", func(t *testing.T) {
		custom, err := e.CreateCustomRole(ctx, org2, TemplateInput{Name: "reviewer", Permissions: names("project.read")})
		require.NoError(t, err)
		_, err = e.Assign(ctx, custom.ID, u1, org1)
		assert.ErrorIs(t, err, ErrTemplateOwnershipMismatch)
	})

	t.Run("missing role", func(t *testing.T) {
		_, err := e.Assign(ctx, 9999, u1, org1)
		assert.ErrorIs(t, err, ErrRoleNotFound)
	})

	t.Run("invalid subject", func(t *testing.T) {
		_, err := e.Assign(ctx, sysRole.ID, Subject{}, org1)
		assert.ErrorIs(t, err, ErrInvalidSubject)
	})

	subjects, err := e.SubjectsWithRole(ctx, sysRole.ID, org1)
	require.NoError(t, err)
	assert.Equal(t, []Subject{u1}, subjects)
}

func TestAssignments_Revoke(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	_, err := e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)
	_, err = e.Assign(ctx, sysRole.ID, u1, org2)
	require.NoError(t, err)

	require.NoError(t, e.Revoke(ctx, sysRole.ID, u1, org1))
	require.NoError(t, e.Revoke(ctx, sysRole.ID, u1, org1))
	require.NoError(t, e.Revoke(ctx, sysRole.ID, u2, org1))

	roles, err := e.RolesFor(ctx, u1, org1)
	require.NoError(t, err)
	assert.Empty(t, roles)

	roles, err = e.RolesFor(ctx, u1, org2)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}

func TestAssignments_Redirect(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	admin, sysRole := seedAdmin(t, e)

	override, err := e.CreateOverride(ctx, admin.ID, org1, TemplateFields{}, names("project.create"))
	require.NoError(t, err)

	r, err := e.Assign(ctx, sysRole.ID, u3, org1)
	require.NoError(t, err)
	assert.Equal(t, override.Role.ID, r.ID)

	roles, err := e.RolesFor(ctx, u3, org1)
	require.NoError(t, err)
	assert.Equal(t, []int64{override.Role.ID}, roleIDs(roles))

	r, err = e.Assign(ctx, sysRole.ID, u3, org2)
	require.NoError(t, err)
	assert.Equal(t, sysRole.ID, r.ID)

	require.NoError(t, e.Revoke(ctx, sysRole.ID, u3, org1))
	roles, err = e.RolesFor(ctx, u3, org1)
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = e.RevertToSystem(ctx, override.Role.ID, org1, RevertOptions{})
	require.NoError(t, err)

	_, err = e.Assign(ctx, override.Role.ID, u3, org1)
	assert.ErrorIs(t, err, ErrRoleInactive)

	r, err = e.Assign(ctx, sysRole.ID, u3, org1)
	require.NoError(t, err)
	assert.Equal(t, sysRole.ID, r.ID)
}

func TestAssignments_Replace(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, sysRole := seedAdmin(t, e)

	reviewer, err := e.CreateCustomRole(ctx, org1, TemplateInput{Name: "reviewer", Permissions: names("project.read")})
	require.NoError(t, err)
	writer, err := e.CreateCustomRole(ctx, org1, TemplateInput{Name: "writer", Permissions: names("task.create")})
	require.NoError(t, err)

	_, err = e.Assign(ctx, sysRole.ID, u1, org1)
	require.NoError(t, err)

	roles, err := e.ReplaceAssignments(ctx, u1, org1, []int64{reviewer.ID, writer.ID, reviewer.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{reviewer.ID, writer.ID}, roleIDs(roles))

	held, err := e.RolesFor(ctx, u1, org1)
	require.NoError(t, err)
	assert.Equal(t, []int64{reviewer.ID, writer.ID}, roleIDs(held))

	t.Run("atomic on invalid role", func(t *testing.T) {
		_, err := e.ReplaceAssignments(ctx, u1, org1, []int64{sysRole.ID, 9999})
		assert.ErrorIs(t, err, ErrRoleNotFound)

		held, err := e.RolesFor(ctx, u1, org1)
		require.NoError(t, err)
		assert.Equal(t, []int64{reviewer.ID, writer.ID}, roleIDs(held))
	})

	t.Run("empty clears", func(t *testing.T) {
		roles, err := e.ReplaceAssignments(ctx, u1, org1, nil)
		require.NoError(t, err)
		assert.Empty(t, roles)

		held, err := e.RolesFor(ctx, u1, org1)
		require.NoError(t, err)
		assert.Empty(t, held)
	})
}
