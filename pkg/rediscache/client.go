// Package rediscache wraps go-redis behind a narrow Client + generic Cache
// surface: a thin connection wrapper with graceful-degradation errors, and
// a type-safe, prefix-isolated, TTL-bound cache on top of it.
package rediscache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client owns a single *redis.Client connection and surfaces connection
// failures as wrapped errors instead of letting callers panic on a nil
// connection.
type Client struct {
	rdb *redis.Client
	log *logrus.Entry
}

// NewClient constructs a Client from opts without connecting; call
// EnsureConnection to verify reachability before first use.
func NewClient(opts *redis.Options, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{rdb: redis.NewClient(opts), log: log.WithField("component", "rediscache")}
}

// EnsureConnection pings Redis, surfacing connectivity failures up front
// rather than on the first cache operation.
func (c *Client) EnsureConnection(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
