package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// RedisCache stores permission sets in Redis. Entries are addressed by the
// current global and organisation generations; bumping either makes the
// older entries unreachable.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(config *Config) (*RedisCache, error) {
	if config.L2Addr == "" {
		return nil, fmt.Errorf("no Redis address provided")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.L2Addr,
		Password:     config.L2Password,
		DB:           config.L2DB,
		PoolSize:     config.L2PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, config.KeyPrefix, config.L2TTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultL2TTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Client returns the underlying Redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) globalGenKey() string {
	return c.prefix + ":gen"
}

func (c *RedisCache) orgGenKey(organisationID int64) string {
	return fmt.Sprintf("%s:gen:%d", c.prefix, organisationID)
}

// entryKey resolves the key of a subject's set under the current
// generations
func (c *RedisCache) entryKey(ctx context.Context, subject rbac.Subject, organisationID int64) (string, error) {
	gens, err := c.client.MGet(ctx, c.globalGenKey(), c.orgGenKey(organisationID)).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return fmt.Sprintf("%s:perms:%v:%d:%v:%s", c.prefix, genValue(gens[0]), organisationID, genValue(gens[1]), subject), nil
}

func genValue(v interface{}) interface{} {
	if v == nil {
		return "0"
	}
	return v
}

// Get returns the cached set, if any
func (c *RedisCache) Get(ctx context.Context, subject rbac.Subject, organisationID int64) (rbac.PermissionSet, bool, error) {
	key, err := c.entryKey(ctx, subject, organisationID)
	if err != nil {
		return nil, false, err
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var names []rbac.PermissionName
	if err := json.Unmarshal(data, &names); err != nil {
		// a corrupt entry is dropped and treated as a miss
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return rbac.NewPermissionSet(names...), true, nil
}

// Set stores perms with the configured TTL
func (c *RedisCache) Set(ctx context.Context, subject rbac.Subject, organisationID int64, perms rbac.PermissionSet) error {
	key, err := c.entryKey(ctx, subject, organisationID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(perms.Names())
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateSubject deletes the subject's current entry
func (c *RedisCache) InvalidateSubject(ctx context.Context, subject rbac.Subject, organisationID int64) error {
	key, err := c.entryKey(ctx, subject, organisationID)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateOrganisation bumps the organisation generation
func (c *RedisCache) InvalidateOrganisation(ctx context.Context, organisationID int64) error {
	if err := c.client.Incr(ctx, c.orgGenKey(organisationID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateAll bumps the global generation
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.globalGenKey()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
