package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

// DefaultBridgeQueue bounds the number of messages waiting per plugin
const DefaultBridgeQueue = 64

// Interceptor gates bridge messages
type Interceptor interface {
	Intercept(ctx context.Context, call Call) Decision
}

// Router reports whether a plugin's calls are currently routed. Interceptors
// implementing it let the bridge reject suspended and unknown plugins before
// any per-plugin state is created.
type Router interface {
	Routable(ctx context.Context, pluginID string) bool
}

// HostAPI serves plugin calls that passed the permission check
type HostAPI interface {
	Handle(ctx context.Context, pluginID string, req *Request) (*Response, error)
}

// HostAPIFunc adapts a function to HostAPI
type HostAPIFunc func(ctx context.Context, pluginID string, req *Request) (*Response, error)

func (f HostAPIFunc) Handle(ctx context.Context, pluginID string, req *Request) (*Response, error) {
	return f(ctx, pluginID, req)
}

// Request is a message posted by a sandboxed plugin
type Request struct {
	Kind   CallKind        `json:"kind"`
	Method string          `json:"method,omitempty"`
	Target string          `json:"target"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is returned to the plugin over the reply channel
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type reply struct {
	resp *Response
	err  error
}

// ViolationReporter records violations raised by the bridge
type ViolationReporter interface {
	Report(ctx context.Context, v plugins.SecurityViolation)
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithCallLimiter bounds each plugin's call rate. The first rejected call of
// a window is reported as a resource_abuse violation.
func WithCallLimiter(limiter CallLimiter, window time.Duration, reporter ViolationReporter) BridgeOption {
	return func(b *Bridge) {
		b.limiter = limiter
		b.limitWindow = window
		b.reporter = reporter
	}
}

// Bridge is the only path from a sandboxed plugin to the host. Messages of one
// plugin are handled in order; each is checked by the interceptor before it
// reaches the host API.
type Bridge struct {
	interceptor Interceptor
	host        HostAPI
	queue       int
	logger      *logrus.Logger

	limiter     CallLimiter
	limitWindow time.Duration
	reporter    ViolationReporter
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	lanes  *async.LaneSet

	mu sync.Mutex
	// last abuse report per plugin
	reported map[string]time.Time
}

// NewBridge creates a bridge in front of host
func NewBridge(interceptor Interceptor, host HostAPI, queue int, logger *logrus.Logger, opts ...BridgeOption) *Bridge {
	if queue <= 0 {
		queue = DefaultBridgeQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		interceptor: interceptor,
		host:        host,
		queue:       queue,
		logger:      logger,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		lanes:       async.NewLaneSet(ctx, "bridge:", queue, laneTaskTimeout),
		reported:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.limitWindow <= 0 {
		b.limitWindow = DefaultRateLimitConfig().Window
	}
	return b
}

// Send posts a message for pluginID and waits for the reply. Denied calls
// return an error wrapping plugins.ErrPermissionDenied.
func (b *Bridge) Send(ctx context.Context, pluginID string, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("bridge request is required")
	}
	if router, ok := b.interceptor.(Router); ok && !router.Routable(ctx, pluginID) {
		// decided inline: the denial is still logged but no queue is created
		return b.dispatch(ctx, pluginID, req)
	}
	if err := b.checkRate(ctx, pluginID, req); err != nil {
		return nil, err
	}

	replies := make(chan reply, 1)
	err := b.lanes.Submit(ctx, pluginID, func(laneCtx context.Context) error {
		if err := ctx.Err(); err != nil {
			replies <- reply{err: err}
			return nil
		}
		resp, err := b.dispatch(ctx, pluginID, req)
		replies <- reply{resp: resp, err: err}
		return nil
	})
	if errors.Is(err, async.ErrLaneClosed) {
		return nil, fmt.Errorf("bridge closed: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}

	select {
	case r := <-replies:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) checkRate(ctx context.Context, pluginID string, req *Request) error {
	if b.limiter == nil {
		return nil
	}
	allowed, err := b.limiter.Allow(ctx, pluginID)
	if err != nil {
		b.logger.Warnf("Rate limiter error for %s: %v", pluginID, err)
	}
	if allowed {
		return nil
	}

	now := b.now()
	b.mu.Lock()
	last, seen := b.reported[pluginID]
	report := !seen || now.Sub(last) >= b.limitWindow
	if report {
		b.reported[pluginID] = now
	}
	b.mu.Unlock()

	if report && b.reporter != nil {
		b.reporter.Report(ctx, plugins.SecurityViolation{
			PluginID:    pluginID,
			Type:        plugins.ViolationResourceAbuse,
			Severity:    plugins.SeverityMedium,
			Description: "bridge call rate exceeded",
			Context: map[string]string{
				"target": req.Target,
				"window": b.limitWindow.String(),
			},
			Timestamp: now,
		})
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, pluginID)
}

func (b *Bridge) dispatch(ctx context.Context, pluginID string, req *Request) (*Response, error) {
	kind := req.Kind
	if kind == "" {
		kind = CallAPI
	}
	decision := b.interceptor.Intercept(ctx, Call{
		PluginID: pluginID,
		Kind:     kind,
		Method:   req.Method,
		Target:   req.Target,
	})
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPermissionDenied, decision.Reason)
	}

	resp, err := b.host.Handle(ctx, pluginID, req)
	if err != nil {
		b.logger.Debugf("Host API error for %s %s: %v", pluginID, req.Target, err)
		return nil, err
	}
	return resp, nil
}

// StatusChanged drops the message queue of plugins that are no longer routed
func (b *Bridge) StatusChanged(ctx context.Context, pluginID string, rec *plugins.Record, from, to plugins.Status) {
	if rec != nil && to.Active() {
		return
	}
	b.mu.Lock()
	delete(b.reported, pluginID)
	b.mu.Unlock()
	b.lanes.Remove(pluginID, laneCloseTimeout)
}

// EvictIdle closes plugin queues unused for longer than idle
func (b *Bridge) EvictIdle(idle time.Duration) int {
	n := b.lanes.EvictIdle(idle, laneCloseTimeout)

	cutoff := b.now().Add(-b.limitWindow)
	b.mu.Lock()
	for id, at := range b.reported {
		if at.Before(cutoff) {
			delete(b.reported, id)
		}
	}
	b.mu.Unlock()
	return n
}

// Close stops all plugin queues
func (b *Bridge) Close(timeout time.Duration) error {
	err := b.lanes.Close(timeout)
	b.cancel()
	return err
}
