package rbac

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// SkipIfNoDatabase skips the test if TEST_POSTGRES_PRIMARY environment variable is not set.
// This allows tests to run in CI where the database is available, but skip locally if not configured.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_PRIMARY environment variable not set (database not available)")
	}

	return dbURL
}

// RequireDatabase connects to TEST_POSTGRES_PRIMARY, applies migrations and
// returns the handle, or skips the test when no database is configured
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := SkipIfNoDatabase(t)

	db, _, err := database.Open(context.Background(), database.Config{
		Driver: string(database.Postgres),
		DSN:    dbURL,
	})
	if err != nil {
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := RunMigrations(context.Background(), db, database.Postgres); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// NewTestDB returns a migrated in-memory SQLite database closed with the test
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, _, err := database.Open(context.Background(), database.Config{
		Driver: string(database.SQLite),
		DSN:    ":memory:",
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := RunMigrations(context.Background(), db, database.SQLite); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}
