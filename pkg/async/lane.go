package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrLaneFull is returned by TrySubmit when the buffer has no room
	ErrLaneFull = errors.New("lane full")
	// ErrLaneClosed is returned after Close
	ErrLaneClosed = errors.New("lane closed")
)

// Lane runs tasks one at a time in submission order on a single goroutine.
// It is the ordered counterpart of WorkerPool: one lane per key keeps work for
// that key serialized while different keys proceed independently.
type Lane struct {
	name    string
	timeout time.Duration
	workCh  chan func(context.Context) error
	doneCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewLane starts a lane with a buffer of size tasks. Each task gets its own
// timeout derived from ctx.
func NewLane(ctx context.Context, name string, size int, timeout time.Duration) *Lane {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Lane{
		name:    name,
		timeout: timeout,
		workCh:  make(chan func(context.Context) error, size),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.run()
	return l
}

// TrySubmit queues fn without blocking
func (l *Lane) TrySubmit(fn func(context.Context) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLaneClosed
	}

	select {
	case l.workCh <- fn:
		return nil
	default:
		return ErrLaneFull
	}
}

// Submit queues fn, waiting for room until ctx is done
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLaneClosed
	}

	select {
	case l.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrLaneClosed
	}
}

// Len returns the number of queued tasks
func (l *Lane) Len() int {
	return len(l.workCh)
}

// Close stops accepting tasks and waits up to timeout for queued ones to finish
func (l *Lane) Close(timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.doneCh
		return nil
	}
	l.closed = true
	close(l.workCh)
	l.mu.Unlock()

	select {
	case <-l.doneCh:
		l.cancel()
		return nil
	case <-time.After(timeout):
		l.cancel()
		return fmt.Errorf("lane %s shutdown timed out after %v", l.name, timeout)
	}
}

func (l *Lane) run() {
	defer close(l.doneCh)
	for fn := range l.workCh {
		if l.ctx.Err() != nil {
			continue
		}
		l.execute(fn)
	}
}

func (l *Lane) execute(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			getLogger().Errorf("PANIC in lane %s: %v\nStack trace:\n%s", l.name, r, string(debug.Stack()))
		}
	}()

	if err := fn(ctx); err != nil {
		getLogger().Warnf("Error in lane %s: %v", l.name, err)
	}
}
