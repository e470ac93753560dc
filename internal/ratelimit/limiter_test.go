package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "sid-a", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "sid-a", rule)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request should be limited")

	// Other identifiers have their own window.
	ok, err = l.Allow(ctx, "sid-b", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	n, err := l.Remaining(ctx, "sid-r", rule)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, _ = l.Allow(ctx, "sid-r", rule)
	n, err = l.Remaining(ctx, "sid-r", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(ctx, "sid-r", rule)
	}
	n, err = l.Remaining(ctx, "sid-r", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	assert.Equal(t, 10, l.RetryAfter(ctx, "sid-none", rule), "no window open")

	_, _ = l.Allow(ctx, "sid-t", rule)
	got := l.RetryAfter(ctx, "sid-t", rule)
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, 10)
}

func TestAllow_ZeroLimitDisables(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 0, Window: time.Second}

	ok, err := l.Allow(ctx, "sid-z", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	n, _ := client.Exists(ctx, "rl:test:sid-z").Result()
	assert.Zero(t, n, "disabled rule touches nothing")
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "sid", RuleMessage)
	assert.Error(t, err)
	assert.True(t, ok)
}
