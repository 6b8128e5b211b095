package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

const scanBatch = 200

// RedisCache implements domain.Cache on top of Redis.
type RedisCache struct {
	client *redis.Client
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedis creates the cache.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value or domain.ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", "cache", start, nil)
		return nil, domain.ErrCacheMiss
	}
	metrics.ObserveNetworkRequest("redis", "get", "cache", start, err)
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with ttl. A zero ttl keeps the key forever.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.client.Set(ctx, key, value, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", "cache", start, err)
	return err
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.client.Del(ctx, key).Err()
	metrics.ObserveNetworkRequest("redis", "del", "cache", start, err)
	return err
}

// DeleteByPattern scans for matching keys and deletes them in batches.
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) error {
	start := time.Now()
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			metrics.ObserveNetworkRequest("redis", "delete_pattern", "cache", start, err)
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				metrics.ObserveNetworkRequest("redis", "delete_pattern", "cache", start, err)
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.ObserveNetworkRequest("redis", "delete_pattern", "cache", start, nil)
	return nil
}

// Once runs fn only if key was not set yet. The key is released when fn fails.
func (c *RedisCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}
