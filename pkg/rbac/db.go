package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// base carries the connection shared by every store
type base struct {
	db      *sql.DB
	dialect database.Dialect
}

// read runs fn in a read-only transaction so that multi-query reads see one
// consistent snapshot
func (b base) read(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return wrapStore(op, database.WithTx(ctx, b.db, b.dialect.ReadTxOptions(), fn))
}

// write runs fn in a read-write transaction
func (b base) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return wrapStore(op, database.WithTx(ctx, b.db, b.dialect.WriteTxOptions(), fn))
}

type scanner interface {
	Scan(dest ...any) error
}

const templateColumns = `t.id, t.name, t.display_name, t.description, t.level, t.is_system, t.organisation_id, t.can_be_deleted, t.created_at, t.updated_at`

const roleColumns = `r.id, r.template_id, r.organisation_id, r.overrides_system, r.system_role_id, r.reverted_at, r.created_at`

func scanTemplate(row scanner) (*RoleTemplate, error) {
	var t RoleTemplate
	var orgID sql.NullInt64
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.DisplayName,
		&t.Description,
		&t.Level,
		&t.IsSystem,
		&orgID,
		&t.CanBeDeleted,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.OrganisationID = int64Ptr(orgID)
	t.Permissions = []PermissionName{}
	return &t, nil
}

func scanRole(row scanner) (*Role, error) {
	var r Role
	var orgID, systemRoleID sql.NullInt64
	var revertedAt sql.NullTime
	err := row.Scan(
		&r.ID,
		&r.TemplateID,
		&orgID,
		&r.OverridesSystem,
		&systemRoleID,
		&revertedAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.OrganisationID = int64Ptr(orgID)
	r.SystemRoleID = int64Ptr(systemRoleID)
	if revertedAt.Valid {
		at := revertedAt.Time
		r.RevertedAt = &at
	}
	return &r, nil
}

// getTemplate loads one template with its permissions
func getTemplate(ctx context.Context, q database.Querier, id int64, lock string) (*RoleTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM role_templates t WHERE t.id = $1` + lock

	t, err := scanTemplate(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	if err := loadTemplatePermissions(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// getRole loads one role together with its template. lock is appended to
// the role query only.
func getRole(ctx context.Context, q database.Querier, id int64, lock string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r WHERE r.id = $1` + lock

	r, err := scanRole(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	if err := attachTemplates(ctx, q, r); err != nil {
		return nil, err
	}
	return r, nil
}

// loadTemplatePermissions fills Permissions for each template
func loadTemplatePermissions(ctx context.Context, q database.Querier, templates ...*RoleTemplate) error {
	if len(templates) == 0 {
		return nil
	}

	byID := make(map[int64]*RoleTemplate, len(templates))
	args := make([]any, 0, len(templates))
	for _, t := range templates {
		if _, seen := byID[t.ID]; !seen {
			args = append(args, t.ID)
		}
		byID[t.ID] = t
		t.Permissions = []PermissionName{}
	}

	query := `
		SELECT rtp.template_id, p.name
		FROM role_template_permissions rtp
		JOIN permissions p ON p.id = rtp.permission_id
		WHERE rtp.template_id IN (` + database.Placeholders(1, len(args)) + `)
		ORDER BY rtp.template_id, p.name
	`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load template permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var templateID int64
		var name string
		if err := rows.Scan(&templateID, &name); err != nil {
			return fmt.Errorf("failed to scan template permission: %w", err)
		}
		if t, ok := byID[templateID]; ok {
			t.Permissions = append(t.Permissions, PermissionName(name))
		}
	}
	return rows.Err()
}

// attachTemplates loads the template of every role
func attachTemplates(ctx context.Context, q database.Querier, roles ...*Role) error {
	if len(roles) == 0 {
		return nil
	}

	ids := make([]any, 0, len(roles))
	seen := make(map[int64]bool, len(roles))
	for _, r := range roles {
		if !seen[r.TemplateID] {
			seen[r.TemplateID] = true
			ids = append(ids, r.TemplateID)
		}
	}

	query := `SELECT ` + templateColumns + ` FROM role_templates t WHERE t.id IN (` + database.Placeholders(1, len(ids)) + `)`
	rows, err := q.QueryContext(ctx, query, ids...)
	if err != nil {
		return fmt.Errorf("failed to load role templates: %w", err)
	}

	templates := make(map[int64]*RoleTemplate, len(ids))
	list := make([]*RoleTemplate, 0, len(ids))
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan role template: %w", err)
		}
		templates[t.ID] = t
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if err := loadTemplatePermissions(ctx, q, list...); err != nil {
		return err
	}

	for _, r := range roles {
		r.Template = templates[r.TemplateID]
	}
	return nil
}

// permissionIDs maps names onto registry ids, failing on any unknown name
func permissionIDs(ctx context.Context, q database.Querier, names []PermissionName) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}

	set := NewPermissionSet(names...)
	sorted := set.Names()
	args := make([]any, len(sorted))
	for i, n := range sorted {
		args[i] = string(n)
	}

	query := `SELECT id, name FROM permissions WHERE name IN (` + database.Placeholders(1, len(args)) + `) ORDER BY name`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, len(sorted))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		ids = append(ids, id)
		set.Remove(PermissionName(name))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(set) > 0 {
		return nil, &UnknownPermissionError{Names: set.Names()}
	}
	return ids, nil
}

// replaceTemplatePermissions swaps the permission set of a template
func replaceTemplatePermissions(ctx context.Context, q database.Querier, templateID int64, permissionIDs []int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM role_template_permissions WHERE template_id = $1`, templateID); err != nil {
		return fmt.Errorf("failed to clear template permissions: %w", err)
	}
	return insertTemplatePermissions(ctx, q, templateID, permissionIDs)
}

func insertTemplatePermissions(ctx context.Context, q database.Querier, templateID int64, permissionIDs []int64) error {
	for _, pid := range permissionIDs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO role_template_permissions (template_id, permission_id)
			VALUES ($1, $2)
			ON CONFLICT (template_id, permission_id) DO NOTHING
		`, templateID, pid)
		if err != nil {
			return fmt.Errorf("failed to add template permission: %w", err)
		}
	}
	return nil
}

func touchTemplate(ctx context.Context, q database.Querier, templateID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE role_templates SET updated_at = $1 WHERE id = $2`, now, templateID)
	if err != nil {
		return fmt.Errorf("failed to touch template: %w", err)
	}
	return nil
}

// countRoles returns how many roles reference a template
func countRoles(ctx context.Context, q database.Querier, templateID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE template_id = $1`, templateID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return n, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func now() time.Time {
	return time.Now().UTC()
}
