package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/audit"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
	"github.com/platinummonkey/plugd/pkg/source"
	"github.com/platinummonkey/plugd/pkg/storage"
)

var tracer = otel.Tracer("plugd/lifecycle")

const (
	DefaultFetchTimeout     = 2 * time.Minute
	DefaultScanTimeout      = time.Minute
	DefaultWorkers          = 4
	DefaultOperationTimeout = 10 * time.Minute

	stagingPrefix = "attempt-"
)

// Config holds the lifecycle manager settings
type Config struct {
	// PluginsDir holds one directory per installed plugin
	PluginsDir string
	// StagingDir holds per-attempt working directories. Defaults to PluginsDir/.staging.
	StagingDir string

	FetchTimeout time.Duration
	ScanTimeout  time.Duration
	// LockWait bounds how long an operation waits for a busy plugin. Zero fails at once.
	LockWait time.Duration

	// Workers run accepted installs
	Workers          int
	OperationTimeout time.Duration

	// ArchiveRetention keeps this many source archives per plugin; zero keeps all
	ArchiveRetention int
}

func (c Config) withDefaults() Config {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(c.PluginsDir, ".staging")
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// ScoreKeeper persists scan findings against a plugin's security record. It is
// implemented by the runtime monitor, which owns scores and violations.
type ScoreKeeper interface {
	// Seed records non-blocking findings of a fresh install and deducts their penalties
	Seed(ctx context.Context, pluginID string, findings []plugins.Finding) (int, error)
	// Archive records findings for audit without changing the score
	Archive(ctx context.Context, pluginID string, findings []plugins.Finding) (int, error)
	ResetScore(ctx context.Context, pluginID string) error
}

// GrantCache is told when a plugin's grants change
type GrantCache interface {
	Invalidate(pluginID string)
}

// Metrics receives lifecycle measurements
type Metrics interface {
	RecordOperation(op plugins.Operation, outcome plugins.AttemptStatus, d time.Duration)
	RecordTransition(from, to plugins.Status)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(plugins.Operation, plugins.AttemptStatus, time.Duration) {}
func (nopMetrics) RecordTransition(plugins.Status, plugins.Status)                          {}

// Option configures a Manager
type Option func(*Manager)

// WithArchiveStore retains a zip of every installed tree
func WithArchiveStore(store storage.ArchiveStore) Option {
	return func(m *Manager) { m.archives = store }
}

// WithAuditLogger records lifecycle events
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager drives plugins through the lifecycle state table. At most one
// operation runs per plugin; a second request gets plugins.ErrInstallConflict.
type Manager struct {
	registry  registry.Registry
	fetcher   source.Fetcher
	validator *plugins.Validator
	scanner   *plugins.Scanner
	grants    GrantCache
	scores    ScoreKeeper
	archives  storage.ArchiveStore
	audit     audit.Logger
	metrics   Metrics
	config    Config
	logger    *logrus.Logger
	now       func() time.Time

	locks *keyedLocks
	pool  *async.WorkerPool

	stagedMu sync.Mutex
	staged   map[string]bool

	listenersMu sync.RWMutex
	listeners   []plugins.StatusListener
}

// New creates a lifecycle manager and its install worker pool
func New(reg registry.Registry, fetcher source.Fetcher, validator *plugins.Validator, scanner *plugins.Scanner,
	grants GrantCache, scores ScoreKeeper, cfg Config, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	if cfg.PluginsDir == "" {
		return nil, fmt.Errorf("plugins directory is required")
	}
	cfg = cfg.withDefaults()

	for _, dir := range []string{cfg.PluginsDir, cfg.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m := &Manager{
		registry:  reg,
		fetcher:   fetcher,
		validator: validator,
		scanner:   scanner,
		grants:    grants,
		scores:    scores,
		audit:     audit.NopLogger(),
		metrics:   nopMetrics{},
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		locks:     newKeyedLocks(),
		staged:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = async.NewWorkerPool(context.Background(), cfg.Workers, "plugin install", cfg.OperationTimeout)
	return m, nil
}

// AddListener registers a listener for committed status changes
func (m *Manager) AddListener(l plugins.StatusListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Close stops accepting background installs and waits for running ones
func (m *Manager) Close(timeout time.Duration) error {
	return m.pool.Shutdown(timeout)
}

// transition checks an edge against the state table and commits it with a
// compare-and-swap on the record's status.
func (m *Manager) transition(ctx context.Context, id string, from, to plugins.Status, reason string) error {
	if err := plugins.ValidateTransition(from, to); err != nil {
		m.logger.Errorf("Lifecycle contract violation for %s: %v", id, err)
		return err
	}
	if err := m.registry.CompareAndSwapStatus(ctx, id, from, to, reason); err != nil {
		return fmt.Errorf("failed to move %s from %s to %s: %w", id, from, to, err)
	}
	m.metrics.RecordTransition(from, to)
	m.logger.Infof("Plugin %s: %s -> %s (%s)", id, from, to, reason)
	m.notify(ctx, id, from, to)
	return nil
}

// fail moves a plugin to Failed. It runs on a context detached from the
// caller's deadline so a timed out operation still records its outcome.
func (m *Manager) fail(ctx context.Context, id string, from plugins.Status, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.transition(ctx, id, from, plugins.StatusFailed, cause.Error()); err != nil {
		m.logger.Errorf("Failed to mark %s as failed: %v", id, err)
	}
}

func (m *Manager) notify(ctx context.Context, id string, from, to plugins.Status) {
	rec, err := m.registry.Get(ctx, id)
	if err != nil {
		m.logger.Warnf("Failed to reload %s for listeners: %v", id, err)
		return
	}
	m.broadcast(ctx, id, rec, from, to)
}

func (m *Manager) broadcast(ctx context.Context, id string, rec *plugins.Record, from, to plugins.Status) {
	m.listenersMu.RLock()
	listeners := append([]plugins.StatusListener(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l.StatusChanged(ctx, id, rec, from, to)
	}
}

// lockPlugin takes the per-plugin lock
func (m *Manager) lockPlugin(ctx context.Context, locks *lockSet, id string) error {
	release, err := m.locks.acquire(ctx, pluginKey(id), m.config.LockWait)
	if err != nil {
		return err
	}
	locks.add(release)
	return nil
}

// Busy reports whether an operation holds the plugin's lock
func (m *Manager) Busy(id string) bool {
	return m.locks.locked(pluginKey(id))
}

func (m *Manager) newAttempt(op plugins.Operation, pluginID, repositoryURL, version string) *plugins.InstallationAttempt {
	return &plugins.InstallationAttempt{
		ID:            uuid.New().String(),
		PluginID:      pluginID,
		RepositoryURL: repositoryURL,
		Version:       version,
		Operation:     op,
		Status:        plugins.AttemptAccepted,
		StartedAt:     m.now(),
	}
}

func (m *Manager) saveAttempt(ctx context.Context, a *plugins.InstallationAttempt) {
	if err := m.registry.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		m.logger.Warnf("Failed to record installation attempt %s: %v", a.ID, err)
	}
}

// finishAttempt stores the outcome of an attempt and emits its audit event
func (m *Manager) finishAttempt(ctx context.Context, a *plugins.InstallationAttempt, status plugins.AttemptStatus, reason string) {
	now := m.now()
	a.Status = status
	a.Reason = reason
	a.CompletedAt = &now
	m.saveAttempt(ctx, a)
	m.metrics.RecordOperation(a.Operation, status, now.Sub(a.StartedAt))

	auditStatus := audit.EventStatusSuccess
	if status != plugins.AttemptSucceeded {
		auditStatus = audit.EventStatusFailure
	}
	message := string(status)
	if reason != "" {
		message += ": " + reason
	}
	if err := m.audit.LogLifecycle(context.WithoutCancel(ctx), operationEvent(a.Operation), a.PluginID, auditStatus, message); err != nil {
		m.logger.Warnf("Failed to write audit event for attempt %s: %v", a.ID, err)
	}
}

func operationEvent(op plugins.Operation) audit.EventType {
	switch op {
	case plugins.OperationUpdate:
		return audit.EventTypePluginUpdate
	case plugins.OperationUninstall:
		return audit.EventTypePluginUninstall
	default:
		return audit.EventTypePluginInstall
	}
}

// GetAttempt returns an installation attempt
func (m *Manager) GetAttempt(ctx context.Context, id string) (*plugins.InstallationAttempt, error) {
	return m.registry.GetAttempt(ctx, id)
}

// stage creates a fresh working directory for one attempt
func (m *Manager) stage(attemptID string) (string, error) {
	dir := filepath.Join(m.config.StagingDir, stagingPrefix+attemptID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	m.stagedMu.Lock()
	m.staged[attemptID] = true
	m.stagedMu.Unlock()
	return dir, nil
}

func (m *Manager) unstage(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warnf("Failed to remove staging directory %s: %v", dir, err)
	}
	m.stagedMu.Lock()
	delete(m.staged, strings.TrimPrefix(filepath.Base(dir), stagingPrefix))
	m.stagedMu.Unlock()
}

// runningAttempts returns the IDs of attempts that own a staging directory
func (m *Manager) runningAttempts() map[string]bool {
	m.stagedMu.Lock()
	defer m.stagedMu.Unlock()
	out := make(map[string]bool, len(m.staged))
	for id := range m.staged {
		out[id] = true
	}
	return out
}

func (m *Manager) installPath(id string) string {
	return filepath.Join(m.config.PluginsDir, id)
}

// placeTree moves a staged tree to target, copying when a rename is not possible
func placeTree(staged, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, target); err == nil {
		return nil
	}
	if err := source.CopyTree(staged, target); err != nil {
		os.RemoveAll(target)
		return err
	}
	return nil
}

// isUserError reports errors caused by the submitted plugin rather than the system
func isUserError(err error) bool {
	return errors.Is(err, plugins.ErrManifestInvalid) ||
		errors.Is(err, plugins.ErrSecurityViolationBlocking) ||
		errors.Is(err, plugins.ErrDependencyUnresolved)
}
