// Package config loads and validates the RBAC service configuration from
// environment variables. Every setting has a default suitable for local
// development.
//
// Store:
//
//	TASKFORGE_DB_DRIVER="postgres"  # postgres, sqlite3
//	TASKFORGE_DB_DSN="postgres://localhost/taskforge?sslmode=disable"
//	TASKFORGE_DB_MAX_CONNS="20"
//
// Permission cache:
//
//	TASKFORGE_CACHE_TYPE="tiered"  # none, memory, redis, tiered
//	TASKFORGE_CACHE_TTL="30s"
//	TASKFORGE_REDIS_URL="redis://localhost:6379/0"
//
// Catalogue (one source):
//
//	TASKFORGE_CATALOG_PATH="/etc/taskforge/catalog.yaml"
//	TASKFORGE_CATALOG_S3_BUCKET="taskforge-config"
//	TASKFORGE_CATALOG_S3_KEY="rbac/catalog.yaml"
//	TASKFORGE_SYNC_SCHEDULE="@every 5m"
//
// Membership:
//
//	TASKFORGE_ENFORCE_MEMBERSHIP="true"
//
// Audit and observability:
//
//	TASKFORGE_AUDIT_SINK="both"  # none, db, file, both
//	TASKFORGE_AUDIT_PATH="/var/log/taskforge/audit"
//	TASKFORGE_LOG_LEVEL="info"
//	TASKFORGE_OTEL_ENABLED="true"
//	TASKFORGE_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	db, dialect, err := database.Open(ctx, cfg.Database)
package config
