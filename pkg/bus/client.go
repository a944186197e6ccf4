// Package bus adapts Redis Streams as the pipeline's durable event
// bus: an append-only log with consumer groups, per-consumer pending
// lists, claiming of abandoned messages, and a dead-letter tier.
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jleechanorg/bp-telemetry/pkg/config"
)

// Client wraps a Redis connection with the bounded timeouts the
// pipeline requires (≤ 2 s connect and operation waits).
type Client struct {
	rdb *redis.Client
}

// NewClient builds a bus client from configuration. The connection is
// lazy; Ping verifies reachability.
func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         cfg.Connection.Addr(),
			DialTimeout:  cfg.ConnectionPool.SocketConnectTimeout,
			ReadTimeout:  cfg.ConnectionPool.SocketTimeout,
			WriteTimeout: cfg.ConnectionPool.SocketTimeout,
			PoolSize:     cfg.ConnectionPool.MaxConnections,
		}),
	}
}

// NewClientFromRedis wraps an existing go-redis client (useful for
// tests against miniredis).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies broker reachability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping event bus: %w", err)
	}
	return nil
}

// Redis exposes the underlying client for stream operations.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
