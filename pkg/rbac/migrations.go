package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// Migration is one versioned schema change, written for each dialect
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

// SQL returns the statement for the dialect
func (m Migration) SQL(dialect database.Dialect) string {
	if dialect == database.SQLite {
		return m.SQLite
	}
	return m.Postgres
}

// GetMigrations returns all RBAC migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS permissions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role_templates and role_template_permissions tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS role_templates (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL DEFAULT 0,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					organisation_id BIGINT,
					can_be_deleted BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CONSTRAINT role_templates_scope CHECK (
						(is_system AND organisation_id IS NULL) OR (NOT is_system AND organisation_id IS NOT NULL)
					)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_templates_system_name
					ON role_templates(name) WHERE is_system;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_templates_org_name
					ON role_templates(name, organisation_id) WHERE NOT is_system;
				CREATE INDEX IF NOT EXISTS idx_role_templates_organisation_id
					ON role_templates(organisation_id);

				CREATE TABLE IF NOT EXISTS role_template_permissions (
					template_id BIGINT NOT NULL REFERENCES role_templates(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					PRIMARY KEY (template_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_template_permissions_permission_id
					ON role_template_permissions(permission_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS role_templates (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					display_name TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL DEFAULT 0,
					is_system BOOLEAN NOT NULL DEFAULT 0,
					organisation_id INTEGER,
					can_be_deleted BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					CHECK ((is_system = 1 AND organisation_id IS NULL) OR (is_system = 0 AND organisation_id IS NOT NULL))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_templates_system_name
					ON role_templates(name) WHERE is_system = 1;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_templates_org_name
					ON role_templates(name, organisation_id) WHERE is_system = 0;
				CREATE INDEX IF NOT EXISTS idx_role_templates_organisation_id
					ON role_templates(organisation_id);

				CREATE TABLE IF NOT EXISTS role_template_permissions (
					template_id INTEGER NOT NULL REFERENCES role_templates(id) ON DELETE CASCADE,
					permission_id INTEGER NOT NULL REFERENCES permissions(id),
					PRIMARY KEY (template_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_template_permissions_permission_id
					ON role_template_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create roles table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					template_id BIGINT NOT NULL REFERENCES role_templates(id),
					organisation_id BIGINT,
					overrides_system BOOLEAN NOT NULL DEFAULT FALSE,
					system_role_id BIGINT REFERENCES roles(id),
					reverted_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CONSTRAINT roles_override_shape CHECK (
						NOT overrides_system OR (system_role_id IS NOT NULL AND organisation_id IS NOT NULL)
					)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_system_template
					ON roles(template_id) WHERE organisation_id IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_org_template
					ON roles(template_id, organisation_id) WHERE organisation_id IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_active_override
					ON roles(system_role_id, organisation_id) WHERE overrides_system;
				CREATE INDEX IF NOT EXISTS idx_roles_organisation_id ON roles(organisation_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS roles (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					template_id INTEGER NOT NULL REFERENCES role_templates(id),
					organisation_id INTEGER,
					overrides_system BOOLEAN NOT NULL DEFAULT 0,
					system_role_id INTEGER REFERENCES roles(id),
					reverted_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					CHECK (overrides_system = 0 OR (system_role_id IS NOT NULL AND organisation_id IS NOT NULL))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_system_template
					ON roles(template_id) WHERE organisation_id IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_org_template
					ON roles(template_id, organisation_id) WHERE organisation_id IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_active_override
					ON roles(system_role_id, organisation_id) WHERE overrides_system = 1;
				CREATE INDEX IF NOT EXISTS idx_roles_organisation_id ON roles(organisation_id);
			`,
		},
		{
			Version:     4,
			Description: "Create role_assignments table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					subject_type VARCHAR(50) NOT NULL,
					subject_id BIGINT NOT NULL,
					organisation_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, subject_type, subject_id, organisation_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_subject
					ON role_assignments(subject_type, subject_id, organisation_id);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_organisation_id
					ON role_assignments(organisation_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					subject_type TEXT NOT NULL,
					subject_id INTEGER NOT NULL,
					organisation_id INTEGER NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (role_id, subject_type, subject_id, organisation_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_subject
					ON role_assignments(subject_type, subject_id, organisation_id);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_organisation_id
					ON role_assignments(organisation_id);
			`,
		},
		{
			Version:     5,
			Description: "Create permission_overrides table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS permission_overrides (
					subject_type VARCHAR(50) NOT NULL,
					subject_id BIGINT NOT NULL,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					organisation_id BIGINT NOT NULL,
					granted BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (subject_type, subject_id, permission_id, organisation_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_overrides_subject
					ON permission_overrides(subject_type, subject_id, organisation_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS permission_overrides (
					subject_type TEXT NOT NULL,
					subject_id INTEGER NOT NULL,
					permission_id INTEGER NOT NULL REFERENCES permissions(id),
					organisation_id INTEGER NOT NULL,
					granted BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (subject_type, subject_id, permission_id, organisation_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_overrides_subject
					ON permission_overrides(subject_type, subject_id, organisation_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations and returns how many ran
func RunMigrations(ctx context.Context, db *sql.DB, dialect database.Dialect) (int, error) {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		err := database.WithTx(ctx, db, nil, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL(dialect)); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}

			if _, err := tx.ExecContext(ctx,
				"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran++
	}

	return ran, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions[version] = true
	}
	return versions, rows.Err()
}
