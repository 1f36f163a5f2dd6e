package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64), expires: make(map[string]time.Duration)}
}

func (f *fakeCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCounter) TTL(_ context.Context, key string) *redis.DurationCmd {
	ttl, ok := f.expires[key]
	if !ok {
		return redis.NewDurationResult(-1, nil)
	}
	return redis.NewDurationResult(ttl, nil)
}

func TestRedisWindowCountsWithinWindow(t *testing.T) {
	counter := newFakeCounter()
	store := &RedisWindow{client: counter}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, "k", 2, 30*time.Second)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Zero(t, retry)
	}
	require.Equal(t, 30*time.Second, counter.expires["k"])

	allowed, retry, err := store.Allow(ctx, "k", 2, 30*time.Second)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 30*time.Second, retry)
}

func TestRedisWindowPropagatesErrors(t *testing.T) {
	counter := newFakeCounter()
	counter.err = errors.New("connection refused")
	store := &RedisWindow{client: counter}

	_, _, err := store.Allow(context.Background(), "k", 1, time.Minute)
	require.ErrorContains(t, err, "connection refused")
}

func TestMemoryWindowRefills(t *testing.T) {
	window := newMemoryWindow()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	window.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := window.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, retry, err := window.Allow(ctx, "ip", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retry, time.Duration(0))

	now = now.Add(21 * time.Second)
	allowed, _, err = window.Allow(ctx, "ip", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestClientAddress(t *testing.T) {
	req := httptest.NewRequest("GET", "/oauth/callback", nil)
	req.RemoteAddr = "10.0.0.5:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	require.Equal(t, "10.0.0.5", clientAddress(req, false))
	require.Equal(t, "203.0.113.9", clientAddress(req, true))
}
