package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when key isn't present (or has expired).
var ErrCacheMiss = errors.New("rediscache: cache miss")

// Cache is a generic, prefix-isolated, TTL-bound view over a Client. Every
// key is namespaced by prefix so unrelated caches sharing one Redis
// instance never collide.
type Cache[T any] struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewCache builds a Cache[T] over client, namespacing every key under
// prefix and expiring entries after ttl.
func NewCache[T any](client *Client, prefix string, ttl time.Duration) *Cache[T] {
	return &Cache[T]{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache[T]) namespacedKey(key string) string {
	return c.prefix + ":" + key
}

// Set marshals val as JSON and stores it under key with the cache's TTL.
func (c *Cache[T]) Set(ctx context.Context, key string, val *T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("rediscache: marshal value: %w", err)
	}
	if err := c.client.rdb.Set(ctx, c.namespacedKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// Get fetches and unmarshals the value stored under key, or ErrCacheMiss
// if absent or expired.
func (c *Cache[T]) Get(ctx context.Context, key string) (*T, error) {
	data, err := c.client.rdb.Get(ctx, c.namespacedKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("rediscache: unmarshal value: %w", err)
	}
	return &out, nil
}
