package server

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type windowCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisWindow is a fixed-window counter in Redis, so every replica behind a
// load balancer enforces the same callback budget.
type RedisWindow struct {
	client windowCounter
}

// NewRedisWindow wraps an existing client. The caller owns its lifecycle.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

// Allow increments key and reports whether it is still within limit. The
// first hit in a window sets its expiry.
func (s *RedisWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
