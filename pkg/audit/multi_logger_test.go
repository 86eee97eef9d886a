package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLogger struct {
	Logger
}

func (f failingLogger) Log(ctx context.Context, event *AuditEvent) error {
	return errors.New("sink unavailable")
}

func (f failingLogger) Close() error { return nil }

type blockingLogger struct {
	*MemoryLogger
	release chan struct{}
}

func (b blockingLogger) Log(ctx context.Context, event *AuditEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemoryLogger.Log(ctx, event)
}

func TestMultiLogger_Sync(t *testing.T) {
	first := NewMemoryLogger(0)
	second := NewMemoryLogger(0)
	multi := NewMultiLogger(failingLogger{}, first, second)

	err := multi.LogLifecycle(context.Background(), EventTypePluginInstall, "alpha", EventStatusSuccess, "installed")
	assert.EqualError(t, err, "sink unavailable")

	for _, l := range []*MemoryLogger{first, second} {
		events, err := l.Search(context.Background(), SearchFilter{})
		require.NoError(t, err)
		assert.Len(t, events, 1, "a failing sink must not block the others")
	}
	require.NoError(t, multi.Close())
}

func TestMultiLogger_Queued(t *testing.T) {
	first := NewMemoryLogger(0)
	second := NewMemoryLogger(0)
	multi := NewQueuedMultiLogger(32, first, second, failingLogger{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, multi.LogAccess(ctx, EventTypeAPICall, "alpha", "read:projects",
			"/api/v1/projects", EventStatusSuccess, "ok"))
	}
	require.NoError(t, multi.Flush(ctx))

	for _, l := range []*MemoryLogger{first, second} {
		stats, err := l.GetStats(ctx, SearchFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(10), stats.TotalEvents)
	}
	assert.Zero(t, multi.Dropped())
	require.NoError(t, multi.Close())
}

func TestMultiLogger_SlowSinkDropsOnlyItsOwnEvents(t *testing.T) {
	fast := NewMemoryLogger(0)
	slow := blockingLogger{MemoryLogger: NewMemoryLogger(0), release: make(chan struct{})}
	multi := NewQueuedMultiLogger(8, fast, slow)
	ctx := context.Background()

	var failures int
	for i := 0; i < 20; i++ {
		if err := multi.LogLifecycle(ctx, EventTypePluginDisable, "alpha", EventStatusSuccess, "disabled"); err != nil {
			failures++
		}
	}
	// one event running plus eight queued on the slow lane
	assert.GreaterOrEqual(t, failures, 11)
	assert.GreaterOrEqual(t, multi.Dropped(), int64(11))

	close(slow.release)
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, multi.Flush(flushCtx))

	stats, err := fast.GetStats(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Positive(t, stats.TotalEvents)
	require.NoError(t, multi.Close())
}
