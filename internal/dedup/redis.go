// Package dedup provides an optional, Redis-backed idempotency cache shared
// across multiple Supervisor processes running the same credential set, so a
// group invite delivered to more than one process in a brief race window is
// only accepted once. Off by default: a nil *Cache is always a safe no-op.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a single Redis client with one operation: claim a key for a
// TTL window, reporting whether the caller won the race.
type Cache struct {
	cli *redis.Client
	ttl time.Duration
}

// NewCache parses redisURL (redis://[:password@]host:port/db) and returns a
// Cache backed by it. ttl bounds how long a claimed key stays claimed.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{cli: redis.NewClient(opts), ttl: ttl}, nil
}

// TryAcquire claims key for the cache's TTL, returning true the first time
// any process calls it within that window and false to every other caller
// until the key expires.
func (c *Cache) TryAcquire(ctx context.Context, key string) (bool, error) {
	return c.cli.SetNX(ctx, key, "1", c.ttl).Result()
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error { return c.cli.Close() }
