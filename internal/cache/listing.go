// Package cache provides the read-through cache for paginated conversation
// and channel listings. Entries are keyed by (tenant, user, query) under a
// per-tenant namespace version; invalidation bumps the version so stale
// entries are orphaned rather than scanned for.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix       = "station:listing"
	defaultPageTTL  = 60 * time.Second
	initialVersion  = "0"
	versionKeyShape = keyPrefix + ":%s:version"
	pageKeyShape    = keyPrefix + ":%s:v%s:%s:%s"
)

// Backend is the minimal key-value surface the listing cache needs. The
// production implementation is redis; tests use an in-memory fake.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
}

// ListingCacheConfig configures the listing cache.
type ListingCacheConfig struct {
	Backend Backend
	PageTTL time.Duration
	Logger  *zap.Logger
}

// ListingCache is a read-through cache for serialized listing pages. It is
// not authoritative: every entry is reconstructible from persistence, and
// all backend failures degrade to cache misses.
type ListingCache struct {
	backend Backend
	pageTTL time.Duration
	logger  *zap.Logger
}

// NewListingCache constructs the cache.
func NewListingCache(cfg ListingCacheConfig) (*ListingCache, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("cache: backend required")
	}
	ttl := cfg.PageTTL
	if ttl <= 0 {
		ttl = defaultPageTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingCache{backend: cfg.Backend, pageTTL: ttl, logger: logger}, nil
}

// GetPage returns the cached page for the key, if present.
func (c *ListingCache) GetPage(ctx context.Context, tenantID, userID, queryKey string) ([]byte, bool) {
	key, err := c.pageKey(ctx, tenantID, userID, queryKey)
	if err != nil {
		c.logger.Warn("listing cache read degraded", zap.Error(err))
		return nil, false
	}
	value, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("listing cache read degraded", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	return []byte(value), true
}

// StorePage stores a serialized page under the key. Best effort.
func (c *ListingCache) StorePage(ctx context.Context, tenantID, userID, queryKey string, page []byte) {
	key, err := c.pageKey(ctx, tenantID, userID, queryKey)
	if err != nil {
		c.logger.Warn("listing cache write degraded", zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, string(page), c.pageTTL); err != nil {
		c.logger.Warn("listing cache write degraded", zap.Error(err))
	}
}

// InvalidateTenant bumps the tenant's namespace version, orphaning every
// cached page for that tenant at once. The next listing request rebuilds.
func (c *ListingCache) InvalidateTenant(ctx context.Context, tenantID string) {
	if _, err := c.backend.Incr(ctx, fmt.Sprintf(versionKeyShape, tenantID)); err != nil {
		c.logger.Warn("listing cache invalidation degraded", zap.Error(err))
	}
}

func (c *ListingCache) pageKey(ctx context.Context, tenantID, userID, queryKey string) (string, error) {
	version, found, err := c.backend.Get(ctx, fmt.Sprintf(versionKeyShape, tenantID))
	if err != nil {
		return "", err
	}
	if !found {
		version = initialVersion
	}
	return fmt.Sprintf(pageKeyShape, tenantID, version, userID, queryKey), nil
}

// RedisBackend adapts a go-redis client to the Backend interface.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

// Client exposes the underlying redis client for collaborators that share
// the connection (the gateway's fan-out bridge).
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

// Close releases the redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}
