package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

const defaultTTL = 5 * time.Minute

// Cache stores serialized metric responses. Ingestion invalidates the whole
// cache, since any new entity can shift any metric.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	InvalidateAll(ctx context.Context) error
	Ping(ctx context.Context) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is the in-process backend for tests and single-node runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewMemoryCache creates a memory cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		Now:     time.Now,
	}
}

// Get returns the cached value or ErrMiss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

// Set stores a value under the cache TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.Now().Add(c.ttl)}
	return nil
}

// InvalidateAll drops every entry.
func (c *MemoryCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// Ping reports the backend as healthy.
func (c *MemoryCache) Ping(_ context.Context) error {
	return nil
}

// redisCommands is the subset of the redis client the cache needs. Narrow
// so tests can supply a fake.
type redisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisCache is the shared backend for multi-replica deployments.
// Invalidation bumps a namespace version instead of scanning keys; stale
// entries age out through the TTL.
type RedisCache struct {
	client redisCommands
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed cache.
func NewRedisCache(client redisCommands, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisClient builds the default single-node client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

const (
	redisVersionKey = "devpulse:metrics:version"
	redisKeyPrefix  = "devpulse:metrics"
)

func (c *RedisCache) versionedKey(ctx context.Context, key string) (string, error) {
	version, err := c.client.Get(ctx, redisVersionKey).Result()
	if errors.Is(err, redis.Nil) {
		version = "0"
	} else if err != nil {
		return "", fmt.Errorf("read cache version: %w", err)
	}
	return fmt.Sprintf("%s:v%s:%s", redisKeyPrefix, version, key), nil
}

// Get returns the cached value or ErrMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	versioned, err := c.versionedKey(ctx, key)
	if err != nil {
		return nil, err
	}
	value, err := c.client.Get(ctx, versioned).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return value, nil
}

// Set stores a value under the current namespace version.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	versioned, err := c.versionedKey(ctx, key)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, versioned, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// InvalidateAll bumps the namespace version; old entries expire via TTL.
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, redisVersionKey).Err(); err != nil {
		return fmt.Errorf("bump cache version: %w", err)
	}
	return nil
}

// Ping checks backend reachability.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
