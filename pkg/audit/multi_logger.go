package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/plugd/pkg/async"
)

const sinkTimeout = 5 * time.Second

// MultiLogger fans events out to several sinks. With a queue each sink gets
// its own ordered lane, so a slow database never delays the file or memory
// sinks; events for a full lane are dropped and counted.
type MultiLogger struct {
	sinks   []Logger
	lanes   []*async.Lane
	dropped atomic.Int64
}

// NewMultiLogger creates a synchronous fan-out
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// NewQueuedMultiLogger creates a fan-out with a lane of queue events per sink
func NewQueuedMultiLogger(queue int, sinks ...Logger) *MultiLogger {
	m := &MultiLogger{sinks: sinks}
	for i := range sinks {
		m.lanes = append(m.lanes, async.NewLane(context.Background(), fmt.Sprintf("audit sink %d", i), queue, sinkTimeout))
	}
	return m
}

// Log writes the event to every sink. Synchronous fan-out returns every
// sink error; queued fan-out only fails on drops.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if m.lanes == nil {
		var errs []error
		for _, s := range m.sinks {
			if err := s.Log(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var dropped int
	for i, s := range m.sinks {
		// sinks may assign IDs, so each gets its own copy
		e := *event
		s := s
		if err := m.lanes[i].TrySubmit(func(ctx context.Context) error {
			return s.Log(ctx, &e)
		}); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		m.dropped.Add(int64(dropped))
		return fmt.Errorf("audit event dropped by %d of %d sinks", dropped, len(m.sinks))
	}
	return nil
}

func (m *MultiLogger) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return m.Log(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

func (m *MultiLogger) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return m.Log(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

func (m *MultiLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return m.Log(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

// Dropped returns how many sink writes were dropped on full lanes
func (m *MultiLogger) Dropped() int64 {
	return m.dropped.Load()
}

// Flush waits until every event queued before the call reached its sink
func (m *MultiLogger) Flush(ctx context.Context) error {
	for _, l := range m.lanes {
		done := make(chan struct{})
		err := l.Submit(ctx, func(context.Context) error {
			close(done)
			return nil
		})
		if errors.Is(err, async.ErrLaneClosed) {
			continue
		}
		if err != nil {
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains the lanes and closes every sink
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.lanes {
		if err := l.Close(sinkTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
