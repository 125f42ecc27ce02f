package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(5 * time.Minute)
	c.Now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(empty) error = %v, want ErrMiss", err)
	}
	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, err := c.Get(ctx, "k")
	if err != nil || string(value) != "v" {
		t.Fatalf("Get() = %q, %v, want v", value, err)
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(expired) error = %v, want ErrMiss", err)
	}
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(time.Minute)
	ctx := context.Background()
	if err := c.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll() error = %v", err)
	}
	if _, err := c.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() error = %v, want ErrMiss after invalidation", err)
	}
}

// fakeRedis implements the command subset over an in-memory map, ignoring
// expirations.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	value, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(value)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func TestRedisCacheVersionedKeys(t *testing.T) {
	t.Parallel()

	backend := newFakeRedis()
	c := NewRedisCache(backend, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "metric:throughput", []byte("payload")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// An absent version counter reads as version zero.
	backend.mu.Lock()
	_, ok := backend.values["devpulse:metrics:v0:metric:throughput"]
	backend.mu.Unlock()
	if !ok {
		t.Fatalf("stored keys = %v, want the v0-namespaced key", backend.values)
	}

	value, err := c.Get(ctx, "metric:throughput")
	if err != nil || string(value) != "payload" {
		t.Fatalf("Get() = %q, %v, want payload", value, err)
	}
}

func TestRedisCacheInvalidationBumpsVersion(t *testing.T) {
	t.Parallel()

	backend := newFakeRedis()
	c := NewRedisCache(backend, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("old")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll() error = %v", err)
	}

	// The old entry still exists in the backend but lives in a dead
	// namespace; reads miss without any key scan.
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() error = %v, want ErrMiss after the version bump", err)
	}

	if err := c.Set(ctx, "k", []byte("new")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, err := c.Get(ctx, "k")
	if err != nil || string(value) != "new" {
		t.Fatalf("Get() = %q, %v, want the new-namespace value", value, err)
	}
}
