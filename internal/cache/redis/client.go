// Package redis backs the engine's coordination primitives with go-redis/v9:
// the protection leader lock, the entry signal bus, the venue rate limiter,
// and the price mark cache all share one connection pool.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Engine-wide command deadlines. Lock refreshes and price marks must fail
// fast so a stalled Redis surfaces as a failed tick instead of a hung
// protection loop.
const (
	dialTimeout  = 5 * time.Second
	cmdTimeout   = 2 * time.Second
	minIdleConns = 2 // the leader lock refresh and the signal subscription each hold a connection
)

// ClientConfig holds connection parameters for the shared Redis pool.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps the one go-redis pool shared by the engine's Redis-backed
// components.
type Client struct {
	rdb *redis.Client
}

// New opens the pool with the engine's command deadlines applied, pings it to
// verify connectivity, and returns the wrapper.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: minIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  cmdTimeout,
		WriteTimeout: cmdTimeout,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Ping checks the connection under the engine's command deadline, regardless
// of what deadline the caller's context carries.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for sub-packages that need direct
// access to the driver.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
