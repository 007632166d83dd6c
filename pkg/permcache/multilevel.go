package permcache

import (
	"context"
	"errors"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// MultiLevelCache consults an in-process L1 before a shared L2. Either level
// may be nil.
type MultiLevelCache struct {
	config *Config
	l1     *MemoryCache
	l2     *RedisCache
}

// NewCache builds the cache levels enabled in config
func NewCache(config *Config) (*MultiLevelCache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.EnableL1 && !config.EnableL2 {
		return nil, ErrNoCacheLevel
	}

	c := &MultiLevelCache{config: config}
	if config.EnableL1 {
		c.l1 = NewMemoryCache(config.L1MaxEntries, config.L1TTL)
	}
	if config.EnableL2 {
		l2, err := NewRedisCache(config)
		if err != nil {
			return nil, err
		}
		c.l2 = l2
	}
	return c, nil
}

// NewMultiLevelCache chains existing levels
func NewMultiLevelCache(l1 *MemoryCache, l2 *RedisCache) *MultiLevelCache {
	return &MultiLevelCache{config: &Config{EnableL1: l1 != nil, EnableL2: l2 != nil}, l1: l1, l2: l2}
}

// Get checks L1, then L2, back-filling L1 on an L2 hit
func (c *MultiLevelCache) Get(ctx context.Context, subject rbac.Subject, organisationID int64) (rbac.PermissionSet, bool, error) {
	if c.l1 != nil {
		if perms, ok, _ := c.l1.Get(ctx, subject, organisationID); ok {
			return perms, true, nil
		}
	}
	if c.l2 == nil {
		return nil, false, nil
	}

	perms, ok, err := c.l2.Get(ctx, subject, organisationID)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.l1 != nil {
		_ = c.l1.Set(ctx, subject, organisationID, perms)
	}
	return perms, true, nil
}

// Set writes every level
func (c *MultiLevelCache) Set(ctx context.Context, subject rbac.Subject, organisationID int64, perms rbac.PermissionSet) error {
	if c.l1 != nil {
		_ = c.l1.Set(ctx, subject, organisationID, perms)
	}
	if c.l2 != nil {
		return c.l2.Set(ctx, subject, organisationID, perms)
	}
	return nil
}

// InvalidateSubject invalidates every level
func (c *MultiLevelCache) InvalidateSubject(ctx context.Context, subject rbac.Subject, organisationID int64) error {
	return c.each(func(cache rbac.Cache) error {
		return cache.InvalidateSubject(ctx, subject, organisationID)
	})
}

// InvalidateOrganisation invalidates every level
func (c *MultiLevelCache) InvalidateOrganisation(ctx context.Context, organisationID int64) error {
	return c.each(func(cache rbac.Cache) error {
		return cache.InvalidateOrganisation(ctx, organisationID)
	})
}

// InvalidateAll invalidates every level
func (c *MultiLevelCache) InvalidateAll(ctx context.Context) error {
	return c.each(func(cache rbac.Cache) error {
		return cache.InvalidateAll(ctx)
	})
}

func (c *MultiLevelCache) each(fn func(rbac.Cache) error) error {
	var errs []error
	if c.l1 != nil {
		errs = append(errs, fn(c.l1))
	}
	if c.l2 != nil {
		errs = append(errs, fn(c.l2))
	}
	return errors.Join(errs...)
}

// Stats returns L1 statistics; L2 counters live in Redis
func (c *MultiLevelCache) Stats() Stats {
	if c.l1 == nil {
		return Stats{}
	}
	return c.l1.Stats()
}

// Ping checks L2 when configured
func (c *MultiLevelCache) Ping(ctx context.Context) error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Ping(ctx)
}

// Close releases every level
func (c *MultiLevelCache) Close() error {
	var errs []error
	if c.l1 != nil {
		errs = append(errs, c.l1.Close())
	}
	if c.l2 != nil {
		errs = append(errs, c.l2.Close())
	}
	return errors.Join(errs...)
}
