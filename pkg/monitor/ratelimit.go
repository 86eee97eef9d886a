package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrRateLimited is returned for bridge calls above the plugin's call rate
var ErrRateLimited = errors.New("plugin call rate exceeded")

// CallLimiter bounds the bridge call rate of each plugin
type CallLimiter interface {
	Allow(ctx context.Context, pluginID string) (bool, error)
}

// RateLimitConfig defines the per-plugin call budget
type RateLimitConfig struct {
	// CallsPerWindow is the sustained number of calls allowed per Window
	CallsPerWindow int           `yaml:"calls_per_window"`
	Window         time.Duration `yaml:"window"`
	// Burst allows temporary bursts above the rate
	Burst int `yaml:"burst"`
}

// DefaultRateLimitConfig returns the default call budget
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		CallsPerWindow: 600,
		Window:         time.Minute,
		Burst:          60,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c.CallsPerWindow <= 0 {
		c.CallsPerWindow = d.CallsPerWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	return c
}

// TokenBucketLimiter is an in-process CallLimiter
type TokenBucketLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucketLimiter creates a limiter refilling CallsPerWindow tokens
// per Window, up to CallsPerWindow+Burst
func NewTokenBucketLimiter(config RateLimitConfig) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		config:  config.withDefaults(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *TokenBucketLimiter) capacity() float64 {
	return float64(l.config.CallsPerWindow + l.config.Burst)
}

// Allow takes one token from the plugin's bucket
func (l *TokenBucketLimiter) Allow(ctx context.Context, pluginID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[pluginID]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[pluginID] = b
	}

	elapsed := now.Sub(b.lastUpdate)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * float64(l.config.CallsPerWindow) / l.config.Window.Seconds()
		if max := l.capacity(); b.tokens > max {
			b.tokens = max
		}
		b.lastUpdate = now
	}

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Cleanup drops buckets idle for two windows
func (l *TokenBucketLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, b := range l.buckets {
		if now.Sub(b.lastUpdate) > 2*l.config.Window {
			delete(l.buckets, id)
		}
	}
}

// RedisLimiter is a fixed-window CallLimiter shared by every plugd instance
type RedisLimiter struct {
	client *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "plugd:ratelimit"
	}
	return &RedisLimiter{client: client, config: config.withDefaults(), prefix: prefix}
}

// Allow counts the call in the current window. Redis errors fail open.
func (l *RedisLimiter) Allow(ctx context.Context, pluginID string) (bool, error) {
	window := time.Now().UnixNano() / int64(l.config.Window)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, pluginID, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return incr.Val() <= int64(l.config.CallsPerWindow+l.config.Burst), nil
}

// Reset clears the plugin's current window
func (l *RedisLimiter) Reset(ctx context.Context, pluginID string) error {
	window := time.Now().UnixNano() / int64(l.config.Window)
	return l.client.Del(ctx, fmt.Sprintf("%s:%s:%d", l.prefix, pluginID, window)).Err()
}
