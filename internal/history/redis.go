package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisList is a ListStore backed by redis lists.
type RedisList struct {
	client *redis.Client
}

var _ ListStore = (*RedisList)(nil)

// NewRedisList connects to the redis instance at url and verifies it with a ping.
func NewRedisList(ctx context.Context, url string) (*RedisList, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	slog.Info("redis history backend connected", "addr", opt.Addr, "db", opt.DB)
	return &RedisList{client: c}, nil
}

// NewRedisListFromClient wraps an existing client.
func NewRedisListFromClient(c *redis.Client) *RedisList {
	return &RedisList{client: c}
}

func (r *RedisList) PushTail(ctx context.Context, key, value string) error {
	return r.client.RPush(ctx, key, value).Err()
}

func (r *RedisList) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *RedisList) RemoveFirst(ctx context.Context, key, value string) (bool, error) {
	n, err := r.client.LRem(ctx, key, 1, value).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisList) TrimToLast(ctx context.Context, key string, n int64) error {
	return r.client.LTrim(ctx, key, -n, -1).Err()
}

// Ping verifies connectivity.
func (r *RedisList) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisList) Close() error {
	return r.client.Close()
}
