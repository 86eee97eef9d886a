package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/audit"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
)

const (
	laneTaskTimeout  = 30 * time.Second
	laneCloseTimeout = 5 * time.Second
)

// Authorizer answers runtime permission checks
type Authorizer interface {
	Check(ctx context.Context, pluginID string, c plugins.Capability) bool
	OriginAllowed(ctx context.Context, pluginID, rawURL string) bool
}

// Metrics receives monitor events
type Metrics interface {
	RecordDecision(pluginID string, kind string, allowed bool)
	RecordViolation(pluginID string, severity plugins.Severity)
	RecordAutoDisable(pluginID string)
	RecordDroppedAccessLog(pluginID string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(string, string, bool)      {}
func (nopMetrics) RecordViolation(string, plugins.Severity) {}
func (nopMetrics) RecordAutoDisable(string)                 {}
func (nopMetrics) RecordDroppedAccessLog(string)            {}

// CallKind is the channel a plugin call arrives on
type CallKind string

const (
	CallAPI     CallKind = "api_call"
	CallNetwork CallKind = "network_request"
	CallMessage CallKind = "message"
)

func (k CallKind) eventType() audit.EventType {
	switch k {
	case CallNetwork:
		return audit.EventTypeNetworkRequest
	case CallMessage:
		return audit.EventTypeMessage
	}
	return audit.EventTypeAPICall
}

// Call is one host-API call attributed to a plugin
type Call struct {
	PluginID string
	Kind     CallKind
	Method   string
	// Target is the host API path, the external URL or the recipient plugin ID
	Target string
	At     time.Time
}

// RequiredCapability returns the capability the call needs
func (c Call) RequiredCapability() plugins.Capability {
	switch c.Kind {
	case CallNetwork:
		if u, err := url.Parse(c.Target); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
			return plugins.CapNetworkWebSocket
		}
		return plugins.CapNetworkHTTP
	case CallMessage:
		return plugins.CapPluginMessaging
	}
	return plugins.RequiredCapability(c.Method, c.Target)
}

// Decision is the synchronous verdict on a call
type Decision struct {
	Allowed    bool               `json:"allowed"`
	Capability plugins.Capability `json:"capability,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	// Suspended is set when the plugin is not routable; no violation is recorded
	Suspended bool                       `json:"suspended,omitempty"`
	Violation *plugins.SecurityViolation `json:"violation,omitempty"`
}

// Outcome describes the effect of one recorded violation
type Outcome struct {
	Violation      plugins.SecurityViolation `json:"violation"`
	Score          int                       `json:"security_score"`
	ViolationCount int                       `json:"violation_count"`
	WindowCount    int                       `json:"window_count"`
	AutoDisabled   bool                      `json:"auto_disabled"`
	Reason         string                    `json:"reason,omitempty"`
}

// Option configures a Monitor
type Option func(*Monitor)

// WithWindow replaces the in-memory violation window
func WithWindow(w Window) Option {
	return func(m *Monitor) { m.window = w }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor watches running plugins: it gates their calls, keeps the access log,
// decays their security score and disables them when policy is exceeded.
type Monitor struct {
	registry registry.Registry
	auth     Authorizer
	audit    audit.Logger
	window   Window
	policy   Policy
	metrics  Metrics
	logger   *logrus.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// lanes serialize work per routable plugin; everything else shares one lane
	lanes  *async.LaneSet
	shared *async.Lane

	mu        sync.Mutex
	closed    bool
	routes    map[string]bool
	listeners []plugins.StatusListener

	dropped atomic.Int64
}

// New creates a monitor
func New(reg registry.Registry, auth Authorizer, auditLog audit.Logger, policy Policy, logger *logrus.Logger, opts ...Option) *Monitor {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		registry: reg,
		auth:     auth,
		audit:    auditLog,
		policy:   policy,
		metrics:  nopMetrics{},
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		routes:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	size := policy.LaneSize
	if size <= 0 {
		size = DefaultPolicy().LaneSize
	}
	m.lanes = async.NewLaneSet(ctx, "monitor:", size, laneTaskTimeout)
	m.shared = async.NewLane(ctx, "monitor:shared", size, laneTaskTimeout)
	if m.window == nil {
		m.window = NewMemoryWindow(policy.Window)
	}
	return m
}

// AddListener registers a listener for auto-disable transitions
func (m *Monitor) AddListener(l plugins.StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Intercept decides synchronously whether a call may proceed. The access-log
// entry and any violation are processed afterwards on the plugin's lane.
func (m *Monitor) Intercept(ctx context.Context, call Call) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("PANIC intercepting call from %s: %v\n%s", call.PluginID, r, debug.Stack())
			decision = Decision{Allowed: false, Reason: "internal error"}
		}
	}()

	if call.At.IsZero() {
		call.At = m.now()
	}
	if call.Kind == "" {
		call.Kind = CallAPI
	}

	decision = m.decide(ctx, call)
	m.metrics.RecordDecision(call.PluginID, string(call.Kind), decision.Allowed)
	m.enqueueAccess(call, decision)
	return decision
}

func (m *Monitor) decide(ctx context.Context, call Call) Decision {
	if !m.Routable(ctx, call.PluginID) {
		return Decision{Reason: "plugin is not active", Suspended: true}
	}

	capability := call.RequiredCapability()
	if !m.auth.Check(ctx, call.PluginID, capability) {
		return Decision{
			Capability: capability,
			Reason:     fmt.Sprintf("capability %s not granted", capability),
			Violation: &plugins.SecurityViolation{
				PluginID:    call.PluginID,
				Type:        plugins.ViolationUnauthorizedAPIAccess,
				Severity:    m.policy.DenialSeverity,
				Description: fmt.Sprintf("%s %s requires %s", callMethod(call), call.Target, capability),
				Context:     callContext(call, capability),
				Timestamp:   call.At,
			},
		}
	}

	if call.Kind == CallNetwork && !m.auth.OriginAllowed(ctx, call.PluginID, call.Target) {
		return Decision{
			Capability: capability,
			Reason:     "origin not in allowed_origins",
			Violation: &plugins.SecurityViolation{
				PluginID:    call.PluginID,
				Type:        plugins.ViolationUnsafeNetworkRequest,
				Severity:    plugins.SeverityHigh,
				Description: fmt.Sprintf("network request to undeclared origin %s", call.Target),
				Context:     callContext(call, capability),
				Timestamp:   call.At,
			},
		}
	}

	return Decision{Allowed: true, Capability: capability}
}

func callMethod(call Call) string {
	if call.Method == "" {
		return "GET"
	}
	return strings.ToUpper(call.Method)
}

func callContext(call Call, capability plugins.Capability) map[string]string {
	return map[string]string{
		"kind":       string(call.Kind),
		"method":     callMethod(call),
		"target":     call.Target,
		"capability": string(capability),
		"source":     "runtime",
	}
}

// Routable reports whether calls of the plugin are routed. Unknown plugins are
// resolved from the registry once and then tracked through status changes.
func (m *Monitor) Routable(ctx context.Context, pluginID string) bool {
	m.mu.Lock()
	active, ok := m.routes[pluginID]
	m.mu.Unlock()
	if ok {
		return active
	}

	rec, err := m.registry.Get(ctx, pluginID)
	if err != nil {
		if !errors.Is(err, plugins.ErrNotFound) {
			m.logger.Warnf("Failed to load %s for routing, denying: %v", pluginID, err)
		}
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.routes[pluginID]; ok {
		return active
	}
	m.routes[pluginID] = rec.Status.Active()
	return m.routes[pluginID]
}

func (m *Monitor) suspend(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[pluginID] = false
}

// submit queues task on the plugin's own lane when the plugin is routable and
// on the shared lane otherwise, so unknown or suspended IDs never get a lane.
func (m *Monitor) submit(pluginID string, routable bool, task func(context.Context) error) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return async.ErrLaneClosed
	}
	if !routable {
		return m.shared.TrySubmit(task)
	}
	return m.lanes.TrySubmit(pluginID, task)
}

func (m *Monitor) enqueueAccess(call Call, decision Decision) {
	status := audit.EventStatusSuccess
	message := "allowed"
	if !decision.Allowed {
		status = audit.EventStatusDenied
		message = decision.Reason
	}

	var violation *plugins.SecurityViolation
	if decision.Violation != nil {
		v := *decision.Violation
		violation = &v
	}
	task := func(ctx context.Context) error {
		if err := m.audit.LogAccess(ctx, call.Kind.eventType(), call.PluginID, string(decision.Capability),
			call.Target, status, message); err != nil {
			m.logger.Warnf("Failed to write access log for %s: %v", call.PluginID, err)
		}
		if violation != nil {
			if _, err := m.Record(ctx, violation); err != nil {
				return err
			}
		}
		return nil
	}

	if m.submit(call.PluginID, !decision.Suspended, task) == nil {
		return
	}

	// Lane full: the access log entry is dropped, the violation is not
	m.dropped.Add(1)
	m.metrics.RecordDroppedAccessLog(call.PluginID)
	if violation != nil {
		m.recordInline(violation)
	}
}

func (m *Monitor) recordInline(v *plugins.SecurityViolation) {
	ctx, cancel := context.WithTimeout(context.Background(), laneTaskTimeout)
	defer cancel()
	if _, err := m.Record(ctx, v); err != nil {
		m.logger.Errorf("Failed to record violation for %s: %v", v.PluginID, err)
	}
}

// Dropped returns how many access-log entries were dropped on full lanes
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// Report queues a violation detected outside Intercept
func (m *Monitor) Report(ctx context.Context, v plugins.SecurityViolation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = m.now()
	}
	task := func(ctx context.Context) error {
		_, err := m.Record(ctx, &v)
		return err
	}
	if m.submit(v.PluginID, m.Routable(ctx, v.PluginID), task) == nil {
		return
	}
	m.recordInline(&v)
}

// Record persists a violation, applies its penalty and disables the plugin if
// the window threshold or score floor is crossed.
func (m *Monitor) Record(ctx context.Context, v *plugins.SecurityViolation) (*Outcome, error) {
	if v == nil || v.PluginID == "" {
		return nil, fmt.Errorf("violation plugin ID is required")
	}
	if _, ok := plugins.ParseSeverity(string(v.Severity)); !ok {
		return nil, fmt.Errorf("unknown violation severity %q", v.Severity)
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = m.now()
	}

	count, err := m.registry.RecordViolation(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}
	m.metrics.RecordViolation(v.PluginID, v.Severity)

	out := &Outcome{Violation: *v, ViolationCount: count}
	score, err := m.registry.AdjustScore(ctx, v.PluginID, -m.policy.Penalty(v.Severity))
	if errors.Is(err, plugins.ErrNotFound) {
		// Plugin already removed; the violation stays as an archive entry
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to adjust security score: %w", err)
	}
	out.Score = score

	windowCount, err := m.window.Add(ctx, v.PluginID, v.ID, v.Timestamp)
	if err != nil {
		m.logger.Warnf("Violation window unavailable for %s, checking score only: %v", v.PluginID, err)
	}
	out.WindowCount = windowCount

	m.logger.Warnf("Recorded %s %s violation for %s: score=%d count=%d window=%d",
		v.Severity, v.Type, v.PluginID, score, count, windowCount)

	var triggers []string
	if windowCount > m.policy.WindowThreshold {
		triggers = append(triggers, fmt.Sprintf("%d violations within %s exceed threshold %d",
			windowCount, m.policy.Window, m.policy.WindowThreshold))
	}
	if score < m.policy.ScoreFloor {
		triggers = append(triggers, fmt.Sprintf("security score %d below floor %d", score, m.policy.ScoreFloor))
	}
	if len(triggers) > 0 {
		disabled, reason, err := m.autoDisable(ctx, v.PluginID, v.Timestamp, triggers)
		if err != nil {
			return out, err
		}
		out.AutoDisabled = disabled
		out.Reason = reason
	}

	return out, nil
}

// autoDisable moves an installed plugin to Disabled without taking the lifecycle lock
func (m *Monitor) autoDisable(ctx context.Context, pluginID string, at time.Time, triggers []string) (bool, string, error) {
	reason := "auto-disabled: " + strings.Join(triggers, "; ")

	recent, err := m.registry.ListViolations(ctx, pluginID, m.policy.WindowThreshold+1)
	if err != nil {
		m.logger.Warnf("Failed to list violations of %s: %v", pluginID, err)
	}
	cutoff := at.Add(-m.policy.Window)
	var parts []string
	for _, v := range recent {
		if v.Timestamp.After(cutoff) {
			parts = append(parts, fmt.Sprintf("%s/%s: %s", v.Type, v.Severity, v.Description))
		}
	}
	if len(parts) > 0 {
		reason += "; triggering violations: " + strings.Join(parts, " | ")
	}

	err = m.registry.CompareAndSwapStatus(ctx, pluginID, plugins.StatusInstalled, plugins.StatusDisabled, reason)
	if errors.Is(err, plugins.ErrStatusConflict) {
		// Not installed (already disabled or mid-operation): nothing to do
		m.logger.Infof("Skipping auto-disable of %s: %v", pluginID, err)
		return false, reason, nil
	}
	if err != nil {
		return false, reason, fmt.Errorf("failed to auto-disable plugin: %w", err)
	}

	m.suspend(pluginID)
	m.lanes.Remove(pluginID, laneCloseTimeout)
	m.metrics.RecordAutoDisable(pluginID)
	if err := m.audit.LogLifecycle(ctx, audit.EventTypePluginAutoDisable, pluginID, audit.EventStatusSuccess, reason); err != nil {
		m.logger.Warnf("Failed to audit auto-disable of %s: %v", pluginID, err)
	}
	m.logger.Warnf("Plugin %s %s", pluginID, reason)

	rec, err := m.registry.Get(ctx, pluginID)
	if err != nil {
		rec = nil
	}
	m.mu.Lock()
	listeners := append([]plugins.StatusListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.StatusChanged(ctx, pluginID, rec, plugins.StatusInstalled, plugins.StatusDisabled)
	}

	return true, reason, nil
}

// Archive persists static scan findings as violations without touching the score.
// It returns the penalty the findings would carry.
func (m *Monitor) Archive(ctx context.Context, pluginID string, findings []plugins.Finding) (int, error) {
	at := m.now()
	penalty := 0
	for _, f := range findings {
		v := f.Violation(pluginID, at)
		v.ID = uuid.New().String()
		if _, err := m.registry.RecordViolation(ctx, &v); err != nil {
			return penalty, fmt.Errorf("failed to record scan finding: %w", err)
		}
		m.metrics.RecordViolation(pluginID, f.Severity)
		penalty += m.policy.Penalty(f.Severity)
	}
	return penalty, nil
}

// Seed records non-blocking scan findings of a fresh install and deducts their
// penalties from the score. Seeding never auto-disables; the floor applies from
// the first runtime violation on.
func (m *Monitor) Seed(ctx context.Context, pluginID string, findings []plugins.Finding) (int, error) {
	penalty, err := m.Archive(ctx, pluginID, findings)
	if err != nil {
		return 0, err
	}
	score, err := m.registry.AdjustScore(ctx, pluginID, -penalty)
	if err != nil {
		return 0, fmt.Errorf("failed to seed security score: %w", err)
	}
	if penalty > 0 {
		m.logger.Infof("Seeded security score of %s at %d from %d scan finding(s)", pluginID, score, len(findings))
	}
	return score, nil
}

// ResetScore restores a plugin's score to the maximum and clears its window
func (m *Monitor) ResetScore(ctx context.Context, pluginID string) error {
	if err := m.registry.SetScore(ctx, pluginID, plugins.MaxSecurityScore); err != nil {
		return fmt.Errorf("failed to reset security score: %w", err)
	}
	if err := m.window.Reset(ctx, pluginID); err != nil {
		m.logger.Warnf("Failed to reset violation window of %s: %v", pluginID, err)
	}
	return nil
}

// StatusChanged keeps routing in step with committed lifecycle transitions.
// Plugins that stop being routable lose their lane once it drains.
func (m *Monitor) StatusChanged(ctx context.Context, pluginID string, rec *plugins.Record, from, to plugins.Status) {
	m.mu.Lock()
	if rec != nil {
		m.routes[pluginID] = to.Active()
	} else {
		delete(m.routes, pluginID)
	}
	m.mu.Unlock()

	if rec == nil || !to.Active() {
		m.lanes.Remove(pluginID, laneCloseTimeout)
	}
}

// EvictIdle closes plugin lanes unused for longer than the policy's LaneIdle
// and returns how many were closed
func (m *Monitor) EvictIdle() int {
	idle := m.policy.LaneIdle
	if idle <= 0 {
		idle = DefaultPolicy().LaneIdle
	}
	return m.lanes.EvictIdle(idle, laneCloseTimeout)
}

// Flush waits until every task queued before the call has been processed
func (m *Monitor) Flush(ctx context.Context) error {
	lanes := append(m.lanes.Lanes(), m.shared)
	for _, l := range lanes {
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

// Close drains and stops all lanes
func (m *Monitor) Close(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := errors.Join(m.lanes.Close(timeout), m.shared.Close(timeout))
	m.cancel()
	return err
}
