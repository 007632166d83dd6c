//go:build integration

package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/taskforge/pkg/database"
)

// SetupPostgresContainer starts a throwaway PostgreSQL container, applies
// the RBAC migrations and returns a connected handle. The container and its
// volumes are removed when the test finishes.
func SetupPostgresContainer(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("taskforge_test"),
		postgres.WithUsername("taskforge"),
		postgres.WithPassword("taskforge_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{AutoRemove: true},
		}),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, _, err := database.Open(ctx, database.Config{
		Driver:   string(database.Postgres),
		DSN:      connStr,
		MaxConns: 16,
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)

	_, err = RunMigrations(ctx, db, database.Postgres)
	require.NoError(t, err, "Failed to run migrations")

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}

		// the test context may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	return db
}
