package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Registry is the catalogue of grantable permission names. Permissions are
// append-only: there is no delete so historical template references stay
// valid.
type Registry struct {
	base
}

// NewRegistry creates a permission registry
func NewRegistry(db *sql.DB, dialect database.Dialect) *Registry {
	return &Registry{base{db: db, dialect: dialect}}
}

// Register upserts a permission by name. An empty description keeps the
// stored one.
func (r *Registry) Register(ctx context.Context, name PermissionName, description string) (*Permission, error) {
	var perm *Permission
	err := r.write(ctx, "register permission", func(tx *sql.Tx) error {
		var err error
		perm, _, err = registerPermission(ctx, tx, name, description)
		return err
	})
	return perm, err
}

// RegisterAll upserts every permission in one transaction and returns how
// many were new
func (r *Registry) RegisterAll(ctx context.Context, perms []Permission) (int, error) {
	created := 0
	err := r.write(ctx, "register permissions", func(tx *sql.Tx) error {
		created = 0
		for _, p := range perms {
			_, isNew, err := registerPermission(ctx, tx, p.Name, p.Description)
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
		}
		return nil
	})
	return created, err
}

// All returns every registered permission ordered by name
func (r *Registry) All(ctx context.Context) ([]Permission, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM permissions ORDER BY name`)
	if err != nil {
		return nil, wrapStore("list permissions", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, wrapStore("list permissions", err)
		}
		perms = append(perms, p)
	}
	return perms, wrapStore("list permissions", rows.Err())
}

// Exists reports whether name is registered
func (r *Registry) Exists(ctx context.Context, name PermissionName) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM permissions WHERE name = $1`, string(name)).Scan(&n)
	if err != nil {
		return false, wrapStore("check permission", err)
	}
	return n > 0, nil
}

// Get returns one permission by name
func (r *Registry) Get(ctx context.Context, name PermissionName) (*Permission, error) {
	p, err := getPermission(ctx, r.db, name)
	if err != nil {
		return nil, wrapStore("get permission", err)
	}
	return p, nil
}

func getPermission(ctx context.Context, q database.Querier, name PermissionName) (*Permission, error) {
	var p Permission
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM permissions WHERE name = $1`,
		string(name),
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &UnknownPermissionError{Names: []PermissionName{name}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &p, nil
}

func registerPermission(ctx context.Context, q database.Querier, name PermissionName, description string) (*Permission, bool, error) {
	name, err := ParsePermissionName(string(name))
	if err != nil {
		return nil, false, err
	}

	existing, err := getPermission(ctx, q, name)
	switch {
	case err == nil:
		if description != "" && description != existing.Description {
			if _, err := q.ExecContext(ctx,
				`UPDATE permissions SET description = $1 WHERE id = $2`,
				description, existing.ID,
			); err != nil {
				return nil, false, fmt.Errorf("failed to update permission: %w", err)
			}
			existing.Description = description
		}
		return existing, false, nil
	case !errors.Is(err, ErrUnknownPermission):
		return nil, false, err
	}

	p := &Permission{Name: name, Description: description, CreatedAt: now()}
	err = q.QueryRowContext(ctx,
		`INSERT INTO permissions (name, description, created_at) VALUES ($1, $2, $3) RETURNING id`,
		string(p.Name), p.Description, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert permission: %w", err)
	}
	return p, true, nil
}
