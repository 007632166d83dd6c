package permcache

import (
	"errors"
	"time"
)

// Defaults for cache configuration
const (
	DefaultL1MaxEntries = 10000
	DefaultL1TTL        = 30 * time.Second
	DefaultL2TTL        = 5 * time.Minute
	DefaultKeyPrefix    = "taskforge:rbac"
)

var (
	// ErrCacheUnavailable is returned when the backing store cannot be reached
	ErrCacheUnavailable = errors.New("permission cache unavailable")

	// ErrNoCacheLevel is returned when a config enables neither level
	ErrNoCacheLevel = errors.New("no cache level enabled")
)

// Stats represents cache statistics
type Stats struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	ItemCount int64
}

// Config holds cache configuration
type Config struct {
	EnableL1     bool
	L1MaxEntries int
	L1TTL        time.Duration

	EnableL2   bool
	L2Addr     string
	L2Password string
	L2DB       int
	L2PoolSize int
	L2TTL      time.Duration
	KeyPrefix  string
}

// DefaultConfig returns an in-process cache configuration
func DefaultConfig() *Config {
	return &Config{
		EnableL1:     true,
		L1MaxEntries: DefaultL1MaxEntries,
		L1TTL:        DefaultL1TTL,
		L2TTL:        DefaultL2TTL,
		KeyPrefix:    DefaultKeyPrefix,
	}
}
