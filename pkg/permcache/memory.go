package permcache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// MemoryCache implements an in-process LRU cache with per-entry TTL
type MemoryCache struct {
	cache  *lru.LRU[string, rbac.PermissionSet]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates an LRU holding at most maxEntries sets
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultL1MaxEntries
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, rbac.PermissionSet](maxEntries, nil, ttl),
	}
}

func memoryKey(subject rbac.Subject, organisationID int64) string {
	return fmt.Sprintf("%d/%s", organisationID, subject)
}

// Get returns a copy of the cached set
func (c *MemoryCache) Get(_ context.Context, subject rbac.Subject, organisationID int64) (rbac.PermissionSet, bool, error) {
	perms, ok := c.cache.Get(memoryKey(subject, organisationID))
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return perms.Clone(), true, nil
}

// Set stores a copy of perms
func (c *MemoryCache) Set(_ context.Context, subject rbac.Subject, organisationID int64, perms rbac.PermissionSet) error {
	c.cache.Add(memoryKey(subject, organisationID), perms.Clone())
	return nil
}

// InvalidateSubject removes one subject's entry
func (c *MemoryCache) InvalidateSubject(_ context.Context, subject rbac.Subject, organisationID int64) error {
	c.cache.Remove(memoryKey(subject, organisationID))
	return nil
}

// InvalidateOrganisation removes every entry of the organisation
func (c *MemoryCache) InvalidateOrganisation(_ context.Context, organisationID int64) error {
	prefix := fmt.Sprintf("%d/", organisationID)
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	return nil
}

// InvalidateAll empties the cache
func (c *MemoryCache) InvalidateAll(context.Context) error {
	c.cache.Purge()
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close releases resources
func (c *MemoryCache) Close() error {
	c.cache.Purge()
	return nil
}
