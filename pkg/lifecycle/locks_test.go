package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func TestKeyedLocks(t *testing.T) {
	l := newKeyedLocks()
	ctx := context.Background()

	release, err := l.acquire(ctx, "a", 0)
	require.NoError(t, err)
	assert.True(t, l.locked("a"))

	_, err = l.acquire(ctx, "a", 0)
	assert.ErrorIs(t, err, plugins.ErrInstallConflict)

	releaseB, err := l.acquire(ctx, "b", 0)
	require.NoError(t, err)
	releaseB()

	release()
	release()
	assert.False(t, l.locked("a"))

	release, err = l.acquire(ctx, "a", 0)
	require.NoError(t, err)
	release()
}

func TestKeyedLocks_Wait(t *testing.T) {
	l := newKeyedLocks()
	ctx := context.Background()

	release, err := l.acquire(ctx, "a", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.acquire(ctx, "a", 30*time.Millisecond)
	assert.ErrorIs(t, err, plugins.ErrInstallConflict)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	time.AfterFunc(20*time.Millisecond, release)
	second, err := l.acquire(ctx, "a", 5*time.Second)
	require.NoError(t, err)
	second()

	release, err = l.acquire(ctx, "a", 0)
	require.NoError(t, err)
	defer release()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.acquire(cancelled, "a", 5*time.Second)
	assert.ErrorIs(t, err, plugins.ErrInstallConflict)
}

func TestLockSet(t *testing.T) {
	l := newKeyedLocks()
	ctx := context.Background()
	var order []string

	set := &lockSet{}
	for _, key := range []string{repoKey("https://github.com/acme/x"), pluginKey("x")} {
		key := key
		release, err := l.acquire(ctx, key, 0)
		require.NoError(t, err)
		set.add(func() {
			order = append(order, key)
			release()
		})
	}

	set.release()
	set.release()
	assert.Equal(t, []string{"plugin:x", "repo:https://github.com/acme/x"}, order)
	assert.False(t, l.locked("plugin:x"))
}
