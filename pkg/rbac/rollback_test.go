package rbac

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := NewEngine(db, database.Postgres, WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)))
	return e, mock
}

func TestRollback_QueryFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, description, created_at FROM permissions WHERE name = $1`)).
		WithArgs("project.create").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := e.RegisterPermission(context.Background(), "project.create", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "register permission", storeErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_CommitFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, description, created_at FROM permissions WHERE name = $1`)).
		WithArgs("project.create").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO permissions (name, description, created_at) VALUES ($1, $2, $3) RETURNING id`)).
		WithArgs("project.create", "Create projects", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

	_, err := e.RegisterPermission(context.Background(), "project.create", "Create projects")
	assert.ErrorIs(t, err, ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_ValidationErrorIsNotWrapped(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, .* FROM roles r WHERE r\.id = \$1 FOR SHARE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_id", "organisation_id", "overrides_system", "system_role_id", "reverted_at", "created_at"}))
	mock.ExpectRollback()

	_, err := e.Assign(context.Background(), 42, u1, org1)
	assert.ErrorIs(t, err, ErrRoleNotFound)
	assert.False(t, errors.Is(err, ErrStore))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_MigrationFailure(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM role_templates t WHERE t\.id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "display_name", "description", "level", "is_system", "organisation_id", "can_be_deleted", "created_at", "updated_at"}).
			AddRow(1, "admin", "Administrator", "", 100, true, nil, false, now, now))
	mock.ExpectQuery(`FROM role_template_permissions`).
		WillReturnRows(sqlmock.NewRows([]string{"template_id", "name"}).
			AddRow(1, "project.create").
			AddRow(1, "project.delete"))
	mock.ExpectQuery(`FROM roles r WHERE r\.template_id = \$1 AND r\.organisation_id IS NULL FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := e.CreateOverride(context.Background(), 1, org1, TemplateFields{}, nil)
	assert.ErrorIs(t, err, ErrStore)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_SystemRoleCreatedConcurrently(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()
	roleCols := []string{"id", "template_id", "organisation_id", "overrides_system", "system_role_id", "reverted_at", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM role_templates t WHERE t\.id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "display_name", "description", "level", "is_system", "organisation_id", "can_be_deleted", "created_at", "updated_at"}).
			AddRow(1, "admin", "Administrator", "", 100, true, nil, false, now, now))
	mock.ExpectQuery(`FROM role_template_permissions`).
		WillReturnRows(sqlmock.NewRows([]string{"template_id", "name"}).AddRow(1, "project.create"))
	mock.ExpectQuery(`FROM roles r WHERE r\.template_id = \$1 AND r\.organisation_id IS NULL FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(roleCols))
	mock.ExpectExec(`SAVEPOINT ensure_system_role`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO roles`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"idx_roles_system_template\""})
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT ensure_system_role`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM roles r WHERE r\.template_id = \$1 AND r\.organisation_id IS NULL FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(roleCols).AddRow(9, 1, nil, false, nil, nil, now))
	mock.ExpectCommit()

	r, err := e.MaterializeRole(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), r.ID)
	assert.True(t, r.IsSystem())
	assert.Equal(t, "admin", r.Template.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_SystemRoleInsertFailure(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM role_templates t WHERE t\.id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "display_name", "description", "level", "is_system", "organisation_id", "can_be_deleted", "created_at", "updated_at"}).
			AddRow(1, "admin", "Administrator", "", 100, true, nil, false, now, now))
	mock.ExpectQuery(`FROM role_template_permissions`).
		WillReturnRows(sqlmock.NewRows([]string{"template_id", "name"}).AddRow(1, "project.create"))
	mock.ExpectQuery(`FROM roles r WHERE r\.template_id = \$1 AND r\.organisation_id IS NULL FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_id", "organisation_id", "overrides_system", "system_role_id", "reverted_at", "created_at"}))
	mock.ExpectExec(`SAVEPOINT ensure_system_role`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO roles`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := e.MaterializeRole(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrStore)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
