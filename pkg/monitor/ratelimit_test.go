package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func TestTokenBucketLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucketLimiter(RateLimitConfig{CallsPerWindow: 2, Window: time.Second, Burst: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "demo-plugin")
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, _ := l.Allow(ctx, "demo-plugin")
	assert.False(t, ok)

	// buckets are per plugin
	ok, _ = l.Allow(ctx, "other-plugin")
	assert.True(t, ok)

	now = now.Add(500 * time.Millisecond)
	ok, _ = l.Allow(ctx, "demo-plugin")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "demo-plugin")
	assert.False(t, ok)

	now = now.Add(3 * time.Second)
	l.Cleanup()
	l.mu.Lock()
	assert.Empty(t, l.buckets)
	l.mu.Unlock()
}

func TestTokenBucketLimiter_Defaults(t *testing.T) {
	l := NewTokenBucketLimiter(RateLimitConfig{Burst: -3})
	assert.Equal(t, DefaultRateLimitConfig().CallsPerWindow, l.config.CallsPerWindow)
	assert.Equal(t, time.Minute, l.config.Window)
	assert.Equal(t, 0, l.config.Burst)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, RateLimitConfig{CallsPerWindow: 2, Window: time.Hour}, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "demo-plugin")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "demo-plugin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Reset(ctx, "demo-plugin"))
	ok, err = l.Allow(ctx, "demo-plugin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisLimiter(client, RateLimitConfig{CallsPerWindow: 1, Window: time.Minute}, "test")
	ok, err := l.Allow(context.Background(), "demo-plugin")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestBridge_RateLimitReportsAbuseOncePerWindow(t *testing.T) {
	host := &recordingHost{}
	env := setupMonitor(t, DefaultPolicy())
	installRecord(t, env.registry, "demo-plugin", plugins.StatusInstalled, []plugins.Capability{plugins.CapReadProjects})

	limiter := NewTokenBucketLimiter(RateLimitConfig{CallsPerWindow: 1, Window: time.Hour})
	b := NewBridge(env.monitor, host, 0, getTestLogger(), WithCallLimiter(limiter, time.Hour, env.monitor))
	t.Cleanup(func() { b.Close(time.Second) })
	ctx := context.Background()

	_, err := b.Send(ctx, "demo-plugin", &Request{Method: "GET", Target: "/api/v1/projects"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = b.Send(ctx, "demo-plugin", &Request{Method: "GET", Target: "/api/v1/projects"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRateLimited))
	}
	assert.Len(t, host.calls(), 1)

	flush(t, env.monitor)
	violations, err := env.registry.ListViolations(ctx, "demo-plugin", 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, plugins.ViolationResourceAbuse, violations[0].Type)
	assert.Equal(t, plugins.SeverityMedium, violations[0].Severity)
	assert.Equal(t, "/api/v1/projects", violations[0].Context["target"])

	rec, err := env.registry.Get(ctx, "demo-plugin")
	require.NoError(t, err)
	assert.Equal(t, 95, rec.SecurityScore)
}
