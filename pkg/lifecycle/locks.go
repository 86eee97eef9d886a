package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// keyedLocks hands out one exclusive lock per key. Unrelated keys never contend.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]chan struct{})}
}

// acquire takes the lock for key, waiting at most wait for a current holder to
// release it. A zero wait fails immediately. The returned func releases the lock
// and is safe to call more than once.
func (l *keyedLocks) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		if deadline == nil {
			return nil, fmt.Errorf("%w: %s is locked by another operation", plugins.ErrInstallConflict, key)
		}
		select {
		case <-released:
		case <-deadline:
			return nil, fmt.Errorf("%w: %s is still locked after %s", plugins.ErrInstallConflict, key, wait)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", plugins.ErrInstallConflict, ctx.Err())
		}
	}
}

func (l *keyedLocks) locked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// lockSet releases a group of keyed locks in reverse order of acquisition
type lockSet struct {
	releases []func()
}

func (s *lockSet) add(release func()) {
	s.releases = append(s.releases, release)
}

func (s *lockSet) release() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

func repoKey(repositoryURL string) string {
	return "repo:" + strings.ToLower(plugins.NormalizeRepositoryURL(repositoryURL))
}

func pluginKey(id string) string {
	return "plugin:" + id
}
