package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// Pinger is a dependency that can report whether it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// redisPinger adapts a go-redis client to Pinger
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// RedisPinger wraps a Redis client
func RedisPinger(client *redis.Client) Pinger {
	return redisPinger{client: client}
}

// HealthChecker reports on the store, the shared permission cache and the
// last catalogue sync
type HealthChecker struct {
	db      *sql.DB
	cache   Pinger
	version string

	mu           sync.RWMutex
	lastSync     time.Time
	lastSyncErr  error
	syncRecorded bool
}

// NewHealthChecker creates a new health checker. db and cache may be nil.
func NewHealthChecker(db *sql.DB, cache Pinger, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		cache:   cache,
		version: version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// RecordSync notes the outcome of a catalogue sync
func (h *HealthChecker) RecordSync(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncRecorded = true
	h.lastSyncErr = err
	if err == nil {
		h.lastSync = time.Now()
	}
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when the store is unreachable
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Check probes every dependency. The store is required; the cache and the
// catalogue only degrade the result.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	degrade := func() {
		if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	if h.db != nil {
		dbStatus := h.checkDatabase(ctx)
		status.Dependencies["database"] = dbStatus
		switch dbStatus.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			degrade()
		}
	}

	if h.cache != nil {
		cacheStatus := h.checkCache(ctx)
		status.Dependencies["cache"] = cacheStatus
		if cacheStatus.Status != StatusHealthy {
			// resolution falls back to the store
			degrade()
		}
	}

	if catalogStatus, ok := h.checkCatalog(); ok {
		status.Dependencies["catalog"] = catalogStatus
		if catalogStatus.Status != StatusHealthy {
			degrade()
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start}

	var one int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	status.Latency = time.Since(start)
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = "query failed: " + err.Error()
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}
	return status
}

func (h *HealthChecker) checkCache(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start}

	err := h.cache.Ping(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}

func (h *HealthChecker) checkCatalog() (DependencyStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.syncRecorded {
		return DependencyStatus{}, false
	}

	status := DependencyStatus{Status: StatusHealthy, Timestamp: h.lastSync}
	if h.lastSyncErr != nil {
		status.Status = StatusDegraded
		status.Message = "last sync failed: " + h.lastSyncErr.Error()
	}
	return status, true
}

// RegisterHealthRoutes registers the health endpoints on r
func RegisterHealthRoutes(r *mux.Router, checker *HealthChecker) {
	r.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
