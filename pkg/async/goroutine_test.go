package async

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	l, hook := test.NewNullLogger()
	SetLogger(l)
	t.Cleanup(func() { SetLogger(logrus.StandardLogger()) })
	return hook
}

func hasEntry(hook *test.Hook, level logrus.Level, substr string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSafeGo_LogsErrors(t *testing.T) {
	hook := captureLogs(t)

	SafeGo(context.Background(), time.Second, "close bridge lane demo-plugin", func(ctx context.Context) error {
		return errors.New("lane close timed out")
	})

	assert.Eventually(t, func() bool {
		return hasEntry(hook, logrus.WarnLevel, "close bridge lane demo-plugin: lane close timed out")
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_RecoversPanics(t *testing.T) {
	hook := captureLogs(t)

	SafeGo(context.Background(), time.Second, "close monitor lane demo-plugin", func(ctx context.Context) error {
		panic("boom")
	})

	assert.Eventually(t, func() bool {
		return hasEntry(hook, logrus.ErrorLevel, "PANIC in close monitor lane demo-plugin: boom")
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	captureLogs(t)
	done := make(chan error, 1)

	SafeGoNoError(context.Background(), 20*time.Millisecond, "slow task", func(ctx context.Context) {
		<-ctx.Done()
		done <- ctx.Err()
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
}

func TestWorkerPool_RunsAllInstalls(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "plugin install", time.Second)

	var executed atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), executed.Load())

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_ErrorHandler(t *testing.T) {
	var failures atomic.Int32
	pool := NewWorkerPoolWithHandler(context.Background(), 2, "plugin install", time.Second, func(err error) {
		failures.Add(1)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			return errors.New("fetch failed")
		}))
	}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("bad archive")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.Equal(t, int32(6), failures.Load())
}

func TestWorkerPool_LogsErrorsByDefault(t *testing.T) {
	hook := captureLogs(t)
	pool := NewWorkerPool(context.Background(), 1, "plugin install", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return errors.New("fetch failed")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.True(t, hasEntry(hook, logrus.WarnLevel, "plugin install: fetch failed"))
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	captureLogs(t)
	pool := NewWorkerPool(context.Background(), 1, "plugin install", 30*time.Millisecond)
	defer pool.Shutdown(time.Second)

	timedOut := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			close(timedOut)
			return ctx.Err()
		}
	}))

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("task did not time out")
	}
}

func TestBatch(t *testing.T) {
	ids := []string{"project-timeline", "weather-widget", "team-calendar", "burn-down"}

	var checked atomic.Int32
	errs := Batch(context.Background(), ids, 2, "update check", time.Second, func(ctx context.Context, id string) error {
		checked.Add(1)
		if strings.HasPrefix(id, "team") {
			return errors.New("no release")
		}
		return nil
	})

	assert.Equal(t, int32(4), checked.Load())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no release")
}

func TestBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var checked atomic.Int32
	errs := Batch(ctx, []int{1, 2, 3, 4, 5}, 2, "update check", time.Second, func(ctx context.Context, _ int) error {
		checked.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	assert.Less(t, checked.Load(), int32(5))
	assert.NotEmpty(t, errs)
}
