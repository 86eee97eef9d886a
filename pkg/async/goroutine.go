package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	loggerMu sync.RWMutex
	logger   = logrus.StandardLogger()
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SetLogger replaces the logger used for panics and task errors
func SetLogger(l *logrus.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func getLogger() *logrus.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// run executes fn with a timeout derived from parent. A panic is logged and
// returned as an error.
func run(parent context.Context, timeout time.Duration, name string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			getLogger().Errorf("PANIC in %s: %v\nStack trace:\n%s", name, r, string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// SafeGo runs fn on its own goroutine with a timeout. Errors and panics are
// logged, never propagated.
//
//	SafeGo(context.Background(), time.Minute, "close bridge lane project-timeline", func(context.Context) error {
//	    return lane.Close(30 * time.Second)
//	})
func SafeGo(parent context.Context, timeout time.Duration, name string, fn func(context.Context) error) {
	go func() {
		if err := run(parent, timeout, name, fn); err != nil {
			getLogger().Warnf("Error in %s: %v", name, err)
		}
	}()
}

// SafeGoNoError is SafeGo for functions without an error result
func SafeGoNoError(parent context.Context, timeout time.Duration, name string, fn func(context.Context)) {
	SafeGo(parent, timeout, name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// WorkerPool runs submitted tasks on a fixed number of goroutines. Each task
// gets its own timeout; task errors go to the pool's error handler.
//
//	pool := NewWorkerPool(ctx, 4, "plugin install", 10*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return runInstall(ctx, attemptID)
//	})
type WorkerPool struct {
	name    string
	timeout time.Duration
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	work   chan func(context.Context) error
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines. Task errors are logged.
func NewWorkerPool(ctx context.Context, workers int, name string, timeout time.Duration) *WorkerPool {
	return NewWorkerPoolWithHandler(ctx, workers, name, timeout, func(err error) {
		getLogger().Warnf("Error in %s: %v", name, err)
	})
}

// NewWorkerPoolWithHandler starts a pool that passes task errors to onError.
// onError may be called from several workers at once.
func NewWorkerPoolWithHandler(ctx context.Context, workers int, name string, timeout time.Duration, onError func(error)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		work:    make(chan func(context.Context) error, workers*2),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn, waiting while the queue is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.work <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued ones.
// Tasks still running after the timeout have their context cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.name, timeout)
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.work {
		err := p.ctx.Err()
		if err == nil {
			err = run(p.ctx, p.timeout, p.name, fn)
		}
		if err != nil && p.onError != nil {
			p.onError(err)
		}
	}
}

// Batch runs fn for every item on a temporary pool and returns the errors.
// Items not yet started when ctx is done are reported as ctx.Err().
//
//	errs := Batch(ctx, records, 2, "update check", time.Minute, func(ctx context.Context, rec *plugins.Record) error {
//	    _, err := manager.Update(ctx, lifecycle.UpdateRequest{PluginID: rec.ID})
//	    return err
//	})
func Batch[T any](ctx context.Context, items []T, workers int, name string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	pool := NewWorkerPoolWithHandler(ctx, workers, name, timeout, collect)
	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			collect(fmt.Errorf("%s: %w", name, ctx.Err()))
			break
		}
	}
	pool.Shutdown(timeout * time.Duration(len(items)+1))

	mu.Lock()
	defer mu.Unlock()
	return errs
}
