package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/taskforge/pkg/observability"
	"github.com/platinummonkey/taskforge/pkg/permcache"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_TRUE", "TRUE")
	t.Setenv("TEST_BOOL_OTHER", "yes")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_DURATION", "250ms")
	t.Setenv("TEST_DURATION_BAD", "soon")

	if !getEnvBool("TEST_BOOL_ONE", false) {
		t.Error("getEnvBool(1) = false, want true")
	}
	if !getEnvBool("TEST_BOOL_TRUE", false) {
		t.Error("getEnvBool(TRUE) = false, want true")
	}
	if getEnvBool("TEST_BOOL_OTHER", true) {
		t.Error("getEnvBool(yes) = true, want false")
	}
	if !getEnvBool("TEST_BOOL_UNSET", true) {
		t.Error("getEnvBool(unset) should return the default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt(bad) = %d, want default 7", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration() = %s, want 250ms", got)
	}
	if got := getEnvDuration("TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration(bad) = %s, want default 1s", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %s, want postgres", cfg.Database.Driver)
	}
	if cfg.Cache.Type != CacheMemory {
		t.Errorf("Cache.Type = %s, want memory", cfg.Cache.Type)
	}
	if cfg.Audit.Sink != AuditDB {
		t.Errorf("Audit.Sink = %s, want db", cfg.Audit.Sink)
	}
	if cfg.Catalog.Debounce != 500*time.Millisecond {
		t.Errorf("Catalog.Debounce = %s, want 500ms", cfg.Catalog.Debounce)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("LogLevel = %v, want INFO", cfg.Observability.LogLevel)
	}
	if cfg.Observability.OTelServiceName != "taskforge-rbac" {
		t.Errorf("OTelServiceName = %s, want taskforge-rbac", cfg.Observability.OTelServiceName)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TASKFORGE_DB_DRIVER", "sqlite3")
	t.Setenv("TASKFORGE_DB_DSN", "file:rbac.db")
	t.Setenv("TASKFORGE_DB_MAX_CONNS", "5")
	t.Setenv("TASKFORGE_CACHE_TYPE", "Tiered")
	t.Setenv("TASKFORGE_REDIS_URL", "localhost:6379")
	t.Setenv("TASKFORGE_CACHE_TTL", "1m")
	t.Setenv("TASKFORGE_CATALOG_S3_BUCKET", "rbac-config")
	t.Setenv("TASKFORGE_S3_USE_PATH_STYLE", "true")
	t.Setenv("TASKFORGE_SYNC_SCHEDULE", "@every 5m")
	t.Setenv("TASKFORGE_AUDIT_SINK", "both")
	t.Setenv("TASKFORGE_AUDIT_PATH", "/tmp/audit")
	t.Setenv("TASKFORGE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite3" || cfg.Database.DSN != "file:rbac.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.MaxConns != 5 {
		t.Errorf("Database.MaxConns = %d, want 5", cfg.Database.MaxConns)
	}
	if cfg.Cache.Type != CacheTiered {
		t.Errorf("Cache.Type = %s, want tiered", cfg.Cache.Type)
	}
	if cfg.Catalog.S3.Bucket != "rbac-config" || cfg.Catalog.S3.Key != "catalog.yaml" {
		t.Errorf("Catalog.S3 = %+v", cfg.Catalog.S3)
	}
	if !cfg.Catalog.S3.UsePathStyle {
		t.Error("Catalog.S3.UsePathStyle = false, want true")
	}
	if cfg.Catalog.Schedule != "@every 5m" {
		t.Errorf("Catalog.Schedule = %s", cfg.Catalog.Schedule)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.Observability.LogLevel)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	t.Setenv("TASKFORGE_LOG_LEVEL", "loud")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() expected an error for an unknown log level")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{HealthPort: "9090"},
			Database: loadDatabaseConfig(),
			Cache:    CacheConfig{Type: CacheMemory},
			Audit:    AuditConfig{Sink: AuditDB},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing health port", func(c *Config) { c.Server.HealthPort = "" }, "health port is required"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "mysql"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database DSN is required"},
		{"unknown cache", func(c *Config) { c.Cache.Type = "disk" }, "invalid cache type"},
		{"redis without url", func(c *Config) { c.Cache.Type = CacheRedis }, "redis URL is required"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "must not be negative"},
		{"two catalog sources", func(c *Config) {
			c.Catalog.Path = "catalog.yaml"
			c.Catalog.S3.Bucket = "rbac"
		}, "mutually exclusive"},
		{"unknown audit sink", func(c *Config) { c.Audit.Sink = "syslog" }, "invalid audit sink"},
		{"file sink without path", func(c *Config) { c.Audit.Sink = AuditFile }, "audit path is required"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "rbac"
		}, "endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCacheConfig_PermCache(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cfg, err := CacheConfig{Type: CacheNone}.PermCache()
		if err != nil || cfg != nil {
			t.Errorf("PermCache() = %+v, %v; want nil, nil", cfg, err)
		}
	})

	t.Run("memory", func(t *testing.T) {
		cfg, err := CacheConfig{Type: CacheMemory, L1Size: 100, TTL: time.Minute}.PermCache()
		if err != nil {
			t.Fatalf("PermCache() error = %v", err)
		}
		if !cfg.EnableL1 || cfg.EnableL2 {
			t.Errorf("levels = L1 %v L2 %v, want L1 only", cfg.EnableL1, cfg.EnableL2)
		}
		if cfg.L1MaxEntries != 100 || cfg.L1TTL != time.Minute {
			t.Errorf("L1 = %d/%s", cfg.L1MaxEntries, cfg.L1TTL)
		}
	})

	t.Run("redis url", func(t *testing.T) {
		cfg, err := CacheConfig{
			Type:     CacheRedis,
			RedisURL: "redis://:secret@cache.internal:6380/3",
			TTL:      time.Second,
		}.PermCache()
		if err != nil {
			t.Fatalf("PermCache() error = %v", err)
		}
		if cfg.EnableL1 || !cfg.EnableL2 {
			t.Errorf("levels = L1 %v L2 %v, want L2 only", cfg.EnableL1, cfg.EnableL2)
		}
		if cfg.L2Addr != "cache.internal:6380" || cfg.L2Password != "secret" || cfg.L2DB != 3 {
			t.Errorf("L2 = %s/%s/%d", cfg.L2Addr, cfg.L2Password, cfg.L2DB)
		}
		if cfg.L2TTL != permcache.DefaultL2TTL {
			t.Errorf("L2TTL = %s, want the default", cfg.L2TTL)
		}
	})

	t.Run("tiered plain address", func(t *testing.T) {
		cfg, err := CacheConfig{Type: CacheTiered, RedisURL: "localhost:6379", RedisDB: 2}.PermCache()
		if err != nil {
			t.Fatalf("PermCache() error = %v", err)
		}
		if !cfg.EnableL1 || !cfg.EnableL2 {
			t.Error("expected both levels")
		}
		if cfg.L2Addr != "localhost:6379" || cfg.L2DB != 2 {
			t.Errorf("L2 = %s/%d", cfg.L2Addr, cfg.L2DB)
		}
	})

	t.Run("bad url", func(t *testing.T) {
		if _, err := (CacheConfig{Type: CacheRedis, RedisURL: "http://cache"}).PermCache(); err == nil {
			t.Error("PermCache() expected an error for a non-redis scheme")
		}
	})
}
