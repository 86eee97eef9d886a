package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Window counts a plugin's violations inside a sliding time window
type Window interface {
	// Add records a violation at the given time and returns how many fall inside
	// the window ending at that time, including this one.
	Add(ctx context.Context, pluginID, violationID string, at time.Time) (int, error)
	// Reset forgets all violations of a plugin
	Reset(ctx context.Context, pluginID string) error
}

// MemoryWindow keeps violation timestamps in process
type MemoryWindow struct {
	mu     sync.Mutex
	size   time.Duration
	events map[string][]time.Time
}

// NewMemoryWindow creates an in-process window of the given size
func NewMemoryWindow(size time.Duration) *MemoryWindow {
	return &MemoryWindow{
		size:   size,
		events: make(map[string][]time.Time),
	}
}

func (w *MemoryWindow) Add(ctx context.Context, pluginID, violationID string, at time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-w.size)
	kept := w.events[pluginID][:0]
	for _, t := range w.events[pluginID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	w.events[pluginID] = kept

	count := 0
	for _, t := range kept {
		if !t.After(at) {
			count++
		}
	}
	return count, nil
}

func (w *MemoryWindow) Reset(ctx context.Context, pluginID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, pluginID)
	return nil
}

// RedisWindow shares the window between instances using one sorted set per
// plugin, scored by violation time in milliseconds.
type RedisWindow struct {
	redis  *redis.Client
	size   time.Duration
	prefix string
}

// NewRedisWindow creates a Redis-backed window
func NewRedisWindow(client *redis.Client, size time.Duration, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "plugd:violations"
	}
	return &RedisWindow{
		redis:  client,
		size:   size,
		prefix: prefix,
	}
}

func (w *RedisWindow) key(pluginID string) string {
	return fmt.Sprintf("%s:%s", w.prefix, pluginID)
}

func (w *RedisWindow) Add(ctx context.Context, pluginID, violationID string, at time.Time) (int, error) {
	key := w.key(pluginID)
	now := at.UnixMilli()
	cutoff := at.Add(-w.size).UnixMilli()

	// MULTI/EXEC keeps trim, insert and count consistent across instances
	pipe := w.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now), Member: violationID})
	count := pipe.ZCount(ctx, key, "("+strconv.FormatInt(cutoff, 10), strconv.FormatInt(now, 10))
	pipe.Expire(ctx, key, w.size)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return int(count.Val()), nil
}

func (w *RedisWindow) Reset(ctx context.Context, pluginID string) error {
	return w.redis.Del(ctx, w.key(pluginID)).Err()
}
