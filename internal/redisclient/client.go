package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/next_sequence.lua
var nextSequenceScript string

type Client struct {
	rdb       *redis.Client
	seqScript *redis.Script
	prefix    string
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:       rdb,
		seqScript: redis.NewScript(nextSequenceScript),
		prefix:    "stockflow",
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) sequenceKey(name string) string {
	return fmt.Sprintf("%s:sequence:%s", c.prefix, name)
}

func (c *Client) idempotencyKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", c.prefix, key)
}

// Next atomically increments the named sequence. The first value handed out
// is never below floor.
func (c *Client) Next(ctx context.Context, name string, floor int64) (int64, error) {
	result, err := c.seqScript.Run(ctx, c.rdb, []string{c.sequenceKey(name)}, floor).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence script failed: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}
	return n, nil
}

// LoadResult decodes a stored result into dest. It reports false when no
// result is stored under key.
func (c *Client) LoadResult(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return true, nil
}

// SaveResult stores value under key for ttl. An existing record is kept.
func (c *Client) SaveResult(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, c.idempotencyKey(key), raw, ttl).Err()
}
