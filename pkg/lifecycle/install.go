package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/source"
)

// InstallRequest asks for a plugin to be installed from its repository
type InstallRequest struct {
	RepositoryURL string `json:"repository_url"`
	// Version is a release tag; empty installs the default branch
	Version string `json:"version,omitempty"`
	// Force turns an install of an already installed plugin into an update
	Force      bool `json:"force,omitempty"`
	AutoUpdate bool `json:"auto_update,omitempty"`
}

// Result reports the terminal state of a lifecycle operation
type Result struct {
	AttemptID string `json:"installation_id"`
	PluginID  string `json:"plugin_id,omitempty"`
	Version   string `json:"version,omitempty"`
	// PreviousVersion is set by updates
	PreviousVersion string                    `json:"previous_version,omitempty"`
	Status          plugins.Status            `json:"status"`
	Outcome         plugins.AttemptStatus     `json:"outcome"`
	Reason          string                    `json:"reason,omitempty"`
	SecurityScore   int                       `json:"security_score"`
	Findings        []plugins.Finding         `json:"findings,omitempty"`
	Warnings        []plugins.ValidationError `json:"warnings,omitempty"`
}

// checkRequest validates the repository URL and returns the request with the
// URL normalized
func (m *Manager) checkRequest(req InstallRequest) (InstallRequest, error) {
	verr := m.validator.CheckRepositoryURL(req.RepositoryURL)
	if verr == nil {
		if _, _, err := source.ParseRepository(req.RepositoryURL); err != nil {
			verr = &plugins.ValidationError{Field: "repository_url", Message: err.Error(), Severity: "error"}
		}
	}
	if verr != nil {
		return req, &plugins.ManifestError{Errors: []plugins.ValidationError{*verr}}
	}
	req.RepositoryURL = plugins.NormalizeRepositoryURL(req.RepositoryURL)
	return req, nil
}

// Install fetches, validates, scans and activates a plugin, returning when the
// attempt reaches a terminal state. Concurrent operations on the same
// repository or plugin fail with plugins.ErrInstallConflict.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*Result, error) {
	req, err := m.checkRequest(req)
	if err != nil {
		return nil, err
	}

	locks := &lockSet{}
	defer locks.release()

	release, err := m.locks.acquire(ctx, repoKey(req.RepositoryURL), m.config.LockWait)
	if err != nil {
		return nil, err
	}
	locks.add(release)

	attempt := m.newAttempt(plugins.OperationInstall, "", req.RepositoryURL, req.Version)
	return m.install(ctx, attempt, req, locks)
}

// Submit accepts an install and runs it on the worker pool. The repository
// lock is taken before returning, so a concurrent submission conflicts at once.
func (m *Manager) Submit(ctx context.Context, req InstallRequest) (*plugins.InstallationAttempt, error) {
	req, err := m.checkRequest(req)
	if err != nil {
		return nil, err
	}

	locks := &lockSet{}
	release, err := m.locks.acquire(ctx, repoKey(req.RepositoryURL), m.config.LockWait)
	if err != nil {
		return nil, err
	}
	locks.add(release)

	attempt := m.newAttempt(plugins.OperationInstall, "", req.RepositoryURL, req.Version)
	m.saveAttempt(ctx, attempt)
	accepted := *attempt

	err = m.pool.Submit(func(ctx context.Context) error {
		defer locks.release()
		if _, err := m.install(ctx, attempt, req, locks); err != nil {
			m.logger.Warnf("Install of %s (attempt %s) failed: %v", req.RepositoryURL, attempt.ID, err)
		}
		return nil
	})
	if err != nil {
		locks.release()
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		return nil, fmt.Errorf("failed to queue install: %w", err)
	}
	return &accepted, nil
}

// install runs the pipeline with the repository lock held by locks
func (m *Manager) install(ctx context.Context, attempt *plugins.InstallationAttempt, req InstallRequest, locks *lockSet) (*Result, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Install", trace.WithAttributes(
		attribute.String("plugin.repository", req.RepositoryURL),
		attribute.String("plugin.version", req.Version),
		attribute.String("attempt.id", attempt.ID),
	))
	defer span.End()

	result, err := m.runInstall(ctx, attempt, req, locks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
	}
	return result, err
}

func (m *Manager) runInstall(ctx context.Context, attempt *plugins.InstallationAttempt, req InstallRequest, locks *lockSet) (*Result, error) {
	result := &Result{AttemptID: attempt.ID, Status: plugins.StatusPending}
	abort := func(err error) (*Result, error) {
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		result.Outcome = plugins.AttemptFailed
		result.Reason = err.Error()
		return result, err
	}

	attempt.Status = plugins.AttemptRunning
	m.saveAttempt(ctx, attempt)

	staging, err := m.stage(attempt.ID)
	if err != nil {
		return abort(err)
	}
	defer m.unstage(staging)

	snap, err := m.fetch(ctx, req.RepositoryURL, req.Version, filepath.Join(staging, "src"))
	if err != nil {
		return abort(err)
	}

	manifest, verrs, err := m.readManifest(snap.Dir)
	if err != nil {
		return abort(err)
	}
	result.PluginID = manifest.ID
	result.Version = manifest.Version
	result.Warnings = warnings(verrs)
	attempt.PluginID = manifest.ID
	attempt.Version = manifest.Version

	if err := m.lockPlugin(ctx, locks, manifest.ID); err != nil {
		return abort(err)
	}

	existing, err := m.registry.Get(ctx, manifest.ID)
	switch {
	case errors.Is(err, plugins.ErrNotFound):
		err = m.registry.Put(ctx, &plugins.Record{
			ID:            manifest.ID,
			Manifest:      manifest,
			Status:        plugins.StatusPending,
			SecurityScore: plugins.MaxSecurityScore,
			RepositoryURL: req.RepositoryURL,
			AutoUpdate:    req.AutoUpdate,
		})
		if err != nil {
			return abort(fmt.Errorf("failed to create plugin record: %w", err))
		}
		if err := m.transition(ctx, manifest.ID, plugins.StatusPending, plugins.StatusInstalling, "install of "+manifest.Version); err != nil {
			return abort(err)
		}

	case err != nil:
		return abort(fmt.Errorf("failed to load plugin: %w", err))

	case !plugins.SameRepository(existing.RepositoryURL, req.RepositoryURL):
		return abort(fmt.Errorf("%w: plugin id %s belongs to %s", plugins.ErrAlreadyInstalled, manifest.ID, existing.RepositoryURL))

	case existing.Status == plugins.StatusInstalled || existing.Status == plugins.StatusDisabled:
		if !req.Force {
			return abort(fmt.Errorf("%w: %s %s is %s", plugins.ErrAlreadyInstalled, manifest.ID, existing.Version(), existing.Status))
		}
		if existing.Status == plugins.StatusDisabled {
			return abort(fmt.Errorf("%w: %s is disabled, enable it before reinstalling", plugins.ErrInvalidTransition, manifest.ID))
		}
		// A forced reinstall replaces the tree through the update path
		attempt.Operation = plugins.OperationUpdate
		return m.forceUpdate(ctx, attempt, existing, snap, manifest, verrs, req.AutoUpdate, result)

	case existing.Status == plugins.StatusFailed || existing.Status == plugins.StatusPending:
		if existing.Status == plugins.StatusFailed {
			if err := m.scores.ResetScore(ctx, manifest.ID); err != nil {
				return abort(err)
			}
		}
		if err := m.transition(ctx, manifest.ID, existing.Status, plugins.StatusInstalling, "retry of "+manifest.Version); err != nil {
			return abort(err)
		}

	default:
		return abort(fmt.Errorf("%w: %s is %s", plugins.ErrInstallConflict, manifest.ID, existing.Status))
	}

	result.Status = plugins.StatusInstalling
	return m.activate(ctx, attempt, req, snap, manifest, verrs, result)
}

// activate runs validation, scanning, dependency resolution and grant for a
// record in Installing, then moves the tree into place.
func (m *Manager) activate(ctx context.Context, attempt *plugins.InstallationAttempt, req InstallRequest, snap *source.Snapshot,
	manifest *plugins.Manifest, verrs []plugins.ValidationError, result *Result) (*Result, error) {
	id := manifest.ID
	var undo []func()

	fail := func(cause error) (*Result, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		m.fail(ctx, id, plugins.StatusInstalling, cause)
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, cause.Error())
		result.Status = plugins.StatusFailed
		result.Outcome = plugins.AttemptFailed
		result.Reason = cause.Error()
		return result, cause
	}

	if err := m.check(ctx, req.RepositoryURL, manifest, verrs, snap.Dir, result); err != nil {
		return fail(err)
	}

	caps, gerrs := plugins.GrantCapabilities(manifest)
	if plugins.HasErrors(gerrs) {
		return fail(&plugins.ManifestError{Errors: gerrs})
	}

	checksum, err := source.TreeChecksum(snap.Dir)
	if err != nil {
		return fail(fmt.Errorf("failed to checksum plugin files: %w", err))
	}

	target := m.installPath(id)
	if err := os.RemoveAll(target); err != nil {
		return fail(fmt.Errorf("failed to clear install directory: %w", err))
	}
	if err := placeTree(snap.Dir, target); err != nil {
		return fail(fmt.Errorf("failed to place plugin files: %w", err))
	}
	undo = append(undo, func() { os.RemoveAll(target) })

	now := m.now()
	err = m.registry.Put(ctx, &plugins.Record{
		ID:             id,
		Manifest:       manifest,
		RepositoryURL:  req.RepositoryURL,
		SourceChecksum: checksum,
		InstallPath:    target,
		InstalledAt:    &now,
		AutoUpdate:     req.AutoUpdate,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to persist plugin: %w", err))
	}

	if err := m.registry.GrantPermissions(ctx, id, caps); err != nil {
		return fail(fmt.Errorf("failed to grant permissions: %w", err))
	}
	m.grants.Invalidate(id)
	undo = append(undo, func() {
		if err := m.registry.GrantPermissions(context.WithoutCancel(ctx), id, nil); err != nil {
			m.logger.Errorf("Failed to revoke grants of %s: %v", id, err)
		}
		m.grants.Invalidate(id)
	})

	score, err := m.scores.Seed(ctx, id, result.Findings)
	if err != nil {
		return fail(err)
	}
	result.SecurityScore = score

	if err := m.transition(ctx, id, plugins.StatusInstalling, plugins.StatusInstalled, "installed "+manifest.Version); err != nil {
		return fail(err)
	}

	m.retain(ctx, id, manifest.Version, target)
	m.finishAttempt(ctx, attempt, plugins.AttemptSucceeded, "")
	result.Status = plugins.StatusInstalled
	result.Outcome = plugins.AttemptSucceeded
	m.logger.Infof("Installed plugin %s %s with %d capabilities, security score %d", id, manifest.Version, len(caps), score)
	return result, nil
}

// check validates a fetched tree and scans it. Blocking findings are archived
// against the plugin so operators can review why it was refused.
func (m *Manager) check(ctx context.Context, repositoryURL string, manifest *plugins.Manifest, verrs []plugins.ValidationError,
	root string, result *Result) error {
	verrs = append(verrs, m.validator.ValidateTree(manifest, root)...)
	if manifest.Repository != "" && !plugins.SameRepository(manifest.Repository, repositoryURL) {
		verrs = append(verrs, plugins.ValidationError{
			Field:    "repository",
			Message:  fmt.Sprintf("Manifest repository %s does not match the fetched repository %s", manifest.Repository, repositoryURL),
			Severity: "error",
		})
	}
	if plugins.HasErrors(verrs) {
		return &plugins.ManifestError{Errors: verrs}
	}

	report, err := m.scan(ctx, root, manifest)
	if err != nil {
		return err
	}
	result.Findings = report.Findings

	if report.HasBlocking() {
		if _, err := m.scores.Archive(ctx, manifest.ID, report.Findings); err != nil {
			m.logger.Errorf("Failed to archive scan findings of %s: %v", manifest.ID, err)
		}
		return &plugins.BlockingError{Findings: report.Findings}
	}

	return m.resolveDependencies(ctx, manifest)
}

func (m *Manager) fetch(ctx context.Context, repositoryURL, version, dest string) (*source.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "lifecycle.Fetch")
	defer span.End()

	snap, err := m.fetcher.Fetch(ctx, repositoryURL, version, dest)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, plugins.ErrFetchFailed) {
			err = fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
		}
		return nil, err
	}
	if snap.Archive != "" {
		os.Remove(snap.Archive)
	}
	return snap, nil
}

func (m *Manager) scan(ctx context.Context, root string, manifest *plugins.Manifest) (*plugins.ScanReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ScanTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "lifecycle.Scan")
	defer span.End()

	report, err := m.scanner.Scan(ctx, root, manifest)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to scan plugin: %w", err)
	}
	span.SetAttributes(
		attribute.Int("scan.files", report.FilesScanned),
		attribute.Int("scan.findings", len(report.Findings)),
	)
	return report, nil
}

// readManifest parses the manifest of a fetched tree. An error is returned only
// when no usable plugin ID could be read; other field errors come back in the list.
func (m *Manager) readManifest(dir string) (*plugins.Manifest, []plugins.ValidationError, error) {
	raw, err := plugins.ReadManifestFromDir(dir)
	if err != nil {
		return nil, nil, &plugins.ManifestError{Errors: []plugins.ValidationError{{
			Field:    "manifest",
			Message:  err.Error(),
			Severity: "error",
		}}}
	}

	manifest, verrs := m.validator.ParseManifest(raw)
	if manifest == nil {
		return nil, nil, &plugins.ManifestError{Errors: verrs}
	}
	for _, e := range verrs {
		if e.Field == "id" && e.IsError() {
			return nil, nil, &plugins.ManifestError{Errors: verrs}
		}
	}
	return manifest, verrs, nil
}

func warnings(verrs []plugins.ValidationError) []plugins.ValidationError {
	var out []plugins.ValidationError
	for _, e := range verrs {
		if !e.IsError() {
			out = append(out, e)
		}
	}
	return out
}
