// internal/infrastructure/cache.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/husam-hammami/hercules-sfms-sub001/config"
)

// Cache wraps the Redis client for caching and counter operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache connection.
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Set stores a value in cache with expiration.
func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from cache.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Delete removes a value from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// IncrWindow atomically increments a windowed counter and returns the new
// count plus the time left in the window. The expiry is attached on the first
// increment so the window starts at the first attempt.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		if err := c.client.PExpire(ctx, key, window).Err(); err != nil {
			return count, window, err
		}
		remaining = window
	}
	return count, remaining, nil
}

// Close closes the cache connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
