package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/taskforge/pkg/catalog"
	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
	"github.com/platinummonkey/taskforge/pkg/permcache"
)

// Cache types
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheTiered = "tiered"
)

// Audit sinks
const (
	AuditNone = "none"
	AuditDB   = "db"
	AuditFile = "file"
	AuditBoth = "both"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      database.Config
	Cache         CacheConfig
	Catalog       CatalogConfig
	Audit         AuditConfig
	Observability ObservabilityConfig

	// EnforceMembership rejects assignments and overrides for subjects
	// outside the organisation
	EnforceMembership bool
}

// ServerConfig holds the health and metrics server configuration
type ServerConfig struct {
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// CacheConfig selects the permission cache levels
type CacheConfig struct {
	Type          string
	TTL           time.Duration
	L1Size        int
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// CatalogConfig locates the permission catalogue. At most one of Path and
// S3.Bucket is set.
type CatalogConfig struct {
	Path     string
	S3       catalog.S3Config
	Schedule string
	Debounce time.Duration
}

// AuditConfig selects where audit events are written
type AuditConfig struct {
	Sink string
	Path string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	obs, err := loadObservabilityConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Catalog:       loadCatalogConfig(),
		Audit:         loadAuditConfig(),
		Observability: obs,

		EnforceMembership: getEnvBool("TASKFORGE_ENFORCE_MEMBERSHIP", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		HealthPort:      getEnv("TASKFORGE_HEALTH_PORT", "9090"),
		ReadTimeout:     getEnvDuration("TASKFORGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TASKFORGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TASKFORGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TASKFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() database.Config {
	cfg := database.DefaultConfig()

	cfg.Driver = getEnv("TASKFORGE_DB_DRIVER", cfg.Driver)
	cfg.DSN = getEnv("TASKFORGE_DB_DSN", cfg.DSN)
	if maxConns := getEnvInt("TASKFORGE_DB_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("TASKFORGE_DB_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("TASKFORGE_DB_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}
	if lifetime := getEnvDuration("TASKFORGE_DB_CONN_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.MaxLifetime = lifetime
	}

	return cfg
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Type:          strings.ToLower(getEnv("TASKFORGE_CACHE_TYPE", CacheMemory)),
		TTL:           getEnvDuration("TASKFORGE_CACHE_TTL", permcache.DefaultL1TTL),
		L1Size:        getEnvInt("TASKFORGE_L1_CACHE_SIZE", permcache.DefaultL1MaxEntries),
		RedisURL:      getEnv("TASKFORGE_REDIS_URL", ""),
		RedisPassword: getEnv("TASKFORGE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("TASKFORGE_REDIS_DB", 0),
		RedisPoolSize: getEnvInt("TASKFORGE_REDIS_POOL_SIZE", 10),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path: getEnv("TASKFORGE_CATALOG_PATH", ""),
		S3: catalog.S3Config{
			Bucket:       getEnv("TASKFORGE_CATALOG_S3_BUCKET", ""),
			Key:          getEnv("TASKFORGE_CATALOG_S3_KEY", "catalog.yaml"),
			Region:       getEnv("TASKFORGE_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("TASKFORGE_S3_ENDPOINT", ""),
			AccessKey:    getEnv("TASKFORGE_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("TASKFORGE_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("TASKFORGE_S3_USE_PATH_STYLE", false),
		},
		Schedule: getEnv("TASKFORGE_SYNC_SCHEDULE", ""),
		Debounce: getEnvDuration("TASKFORGE_SYNC_DEBOUNCE", catalog.DefaultDebounce),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Sink: strings.ToLower(getEnv("TASKFORGE_AUDIT_SINK", AuditDB)),
		Path: getEnv("TASKFORGE_AUDIT_PATH", ""),
	}
}

func loadObservabilityConfig() (ObservabilityConfig, error) {
	level, err := observability.ParseLogLevel(getEnv("TASKFORGE_LOG_LEVEL", "info"))
	if err != nil {
		return ObservabilityConfig{}, err
	}

	return ObservabilityConfig{
		LogLevel:           level,
		MetricsEnabled:     getEnvBool("TASKFORGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TASKFORGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TASKFORGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TASKFORGE_OTEL_SERVICE_NAME", observability.DefaultServiceName),
		OTelServiceVersion: getEnv("TASKFORGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TASKFORGE_OTEL_INSECURE", true),
	}, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	if _, err := database.ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	switch c.Cache.Type {
	case CacheNone, CacheMemory:
	case CacheRedis, CacheTiered:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for %s cache", c.Cache.Type)
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, memory, redis, or tiered)", c.Cache.Type)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	if c.Catalog.Path != "" && c.Catalog.S3.Bucket != "" {
		return fmt.Errorf("catalog path and catalog bucket are mutually exclusive")
	}

	switch c.Audit.Sink {
	case AuditNone, AuditDB:
	case AuditFile, AuditBoth:
		if c.Audit.Path == "" {
			return fmt.Errorf("audit path is required for %s audit sink", c.Audit.Sink)
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be none, db, file, or both)", c.Audit.Sink)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// PermCache translates the cache settings. It returns nil when caching is
// disabled.
func (c CacheConfig) PermCache() (*permcache.Config, error) {
	cfg := permcache.DefaultConfig()
	cfg.L1MaxEntries = c.L1Size
	cfg.L1TTL = c.TTL

	switch c.Type {
	case CacheNone:
		return nil, nil
	case CacheMemory:
		return cfg, nil
	case CacheRedis:
		cfg.EnableL1 = false
	case CacheTiered:
	default:
		return nil, fmt.Errorf("invalid cache type: %s", c.Type)
	}

	cfg.EnableL2 = true
	cfg.L2Addr = c.RedisURL
	cfg.L2Password = c.RedisPassword
	cfg.L2DB = c.RedisDB
	cfg.L2PoolSize = c.RedisPoolSize
	if c.TTL > 0 && c.TTL > cfg.L2TTL {
		cfg.L2TTL = c.TTL
	}

	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		cfg.L2Addr = opts.Addr
		if cfg.L2Password == "" {
			cfg.L2Password = opts.Password
		}
		if cfg.L2DB == 0 {
			cfg.L2DB = opts.DB
		}
	}

	return cfg, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
