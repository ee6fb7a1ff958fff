package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Host        string
	Port        int
	Password    string
	DB          int
	DefaultTTL  time.Duration
	DialTimeout time.Duration
}

// Client is a JSON cache on top of Redis. A nil client, or one whose server was
// unreachable at startup, behaves as a cache that always misses.
type Client struct {
	rdb        *goredis.Client
	defaultTTL time.Duration
	logger     *slog.Logger

	warnedUnavailable atomic.Bool
}

// NewClient connects to Redis. If the server cannot be reached the returned client
// bypasses the cache instead of failing startup.
func NewClient(config *Config, logger *slog.Logger) *Client {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, bypassing cache",
			slog.String("addr", addr),
			slog.Any("error", err),
		)
		_ = rdb.Close()
		return &Client{defaultTTL: config.DefaultTTL, logger: logger}
	}

	logger.Info("Successfully connected to Redis", slog.String("addr", addr))
	return NewFromRedis(rdb, config.DefaultTTL, logger)
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *goredis.Client, defaultTTL time.Duration, logger *slog.Logger) *Client {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second // default
	}
	return &Client{rdb: rdb, defaultTTL: defaultTTL, logger: logger}
}

func (c *Client) unavailable() bool {
	return c == nil || c.rdb == nil
}

func (c *Client) warnOnce(err error) {
	if c.logger != nil && c.warnedUnavailable.CompareAndSwap(false, true) {
		c.logger.Warn("Redis command failed, continuing without cache", slog.Any("error", err))
	}
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	if c.unavailable() {
		return errors.New("redis unavailable")
	}
	return c.rdb.Ping(ctx).Err()
}

// GetJSON decodes the value at key into out. It reports false on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if c.unavailable() {
		return false, nil
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		c.warnOnce(err)
		return false, err
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value at key. A non-positive ttl uses the configured default.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.unavailable() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.warnOnce(err)
		return err
	}
	return nil
}

// DeleteByPattern removes every key matching a glob pattern
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) error {
	if c.unavailable() {
		return nil
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			c.warnOnce(err)
			return err
		}
	}
	return iter.Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.unavailable() {
		return nil
	}
	return c.rdb.Close()
}
