package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
	"github.com/platinummonkey/plugd/pkg/source"
)

// UpdateRequest asks for an installed plugin to move to another version
type UpdateRequest struct {
	PluginID string `json:"plugin_id"`
	// TargetVersion is a release tag; empty resolves the latest release
	TargetVersion string `json:"target_version,omitempty"`
	AutoUpdate    *bool  `json:"auto_update,omitempty"`
	// Force reinstalls even when the target is not newer than the installed version
	Force bool `json:"force,omitempty"`
}

// Update replaces an installed plugin with a new version. The new tree is
// validated and scanned before anything is swapped; when it is refused the
// plugin stays Installed on its old version and the outcome is rolled_back.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*Result, error) {
	rec, err := m.registry.Get(ctx, req.PluginID)
	if err != nil {
		return nil, err
	}

	locks := &lockSet{}
	defer locks.release()

	release, err := m.locks.acquire(ctx, repoKey(rec.RepositoryURL), m.config.LockWait)
	if err != nil {
		return nil, err
	}
	locks.add(release)
	if err := m.lockPlugin(ctx, locks, req.PluginID); err != nil {
		return nil, err
	}

	// Reload under the lock
	rec, err = m.registry.Get(ctx, req.PluginID)
	if err != nil {
		return nil, err
	}
	if err := plugins.ValidateTransition(rec.Status, plugins.StatusUpdating); err != nil {
		return nil, err
	}

	target := req.TargetVersion
	if target == "" {
		target, err = m.latestVersion(ctx, rec.RepositoryURL)
		if err != nil {
			return nil, err
		}
	}
	if !req.Force && !newer(target, rec.Version()) {
		return nil, fmt.Errorf("%w: %s is at %s, target %s", plugins.ErrUpToDate, rec.ID, rec.Version(), target)
	}

	ctx, span := tracer.Start(ctx, "lifecycle.Update", trace.WithAttributes(
		attribute.String("plugin.id", rec.ID),
		attribute.String("plugin.from_version", rec.Version()),
		attribute.String("plugin.to_version", target),
	))
	defer span.End()

	attempt := m.newAttempt(plugins.OperationUpdate, rec.ID, rec.RepositoryURL, target)
	attempt.Status = plugins.AttemptRunning
	m.saveAttempt(ctx, attempt)

	autoUpdate := rec.AutoUpdate
	if req.AutoUpdate != nil {
		autoUpdate = *req.AutoUpdate
	}

	result := &Result{
		AttemptID:       attempt.ID,
		PluginID:        rec.ID,
		Version:         target,
		PreviousVersion: rec.Version(),
		Status:          rec.Status,
	}

	if err := m.transition(ctx, rec.ID, plugins.StatusInstalled, plugins.StatusUpdating, "update to "+target); err != nil {
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		result.Outcome = plugins.AttemptFailed
		result.Reason = err.Error()
		return result, err
	}

	staging, err := m.stage(attempt.ID)
	if err != nil {
		return m.rollback(ctx, attempt, rec, result, err)
	}
	defer m.unstage(staging)

	snap, err := m.fetch(ctx, rec.RepositoryURL, target, filepath.Join(staging, "src"))
	if err != nil {
		return m.rollback(ctx, attempt, rec, result, err)
	}
	manifest, verrs, err := m.readManifest(snap.Dir)
	if err != nil {
		return m.rollback(ctx, attempt, rec, result, err)
	}
	if !req.Force && !newer(manifest.Version, rec.Version()) {
		return m.rollback(ctx, attempt, rec, result,
			fmt.Errorf("%w: release %s carries version %s", plugins.ErrUpToDate, target, manifest.Version))
	}

	result, err = m.applyUpdate(ctx, attempt, rec, snap, staging, manifest, verrs, autoUpdate, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return result, err
}

// forceUpdate replaces an Installed plugin from an install request with Force
// set. The caller holds the locks and has already fetched the tree.
func (m *Manager) forceUpdate(ctx context.Context, attempt *plugins.InstallationAttempt, rec *plugins.Record, snap *source.Snapshot,
	manifest *plugins.Manifest, verrs []plugins.ValidationError, autoUpdate bool, result *Result) (*Result, error) {
	result.PreviousVersion = rec.Version()
	if err := m.transition(ctx, rec.ID, plugins.StatusInstalled, plugins.StatusUpdating, "forced reinstall of "+manifest.Version); err != nil {
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		result.Outcome = plugins.AttemptFailed
		result.Reason = err.Error()
		return result, err
	}
	return m.applyUpdate(ctx, attempt, rec, snap, filepath.Dir(snap.Dir), manifest, verrs, autoUpdate, result)
}

// applyUpdate checks the new tree and swaps it in for a record in Updating.
// Failures before the swap roll back; a failed swap restores the previous tree
// and leaves the plugin Failed.
func (m *Manager) applyUpdate(ctx context.Context, attempt *plugins.InstallationAttempt, rec *plugins.Record, snap *source.Snapshot, staging string,
	manifest *plugins.Manifest, verrs []plugins.ValidationError, autoUpdate bool, result *Result) (*Result, error) {
	result.Version = manifest.Version
	result.Warnings = warnings(verrs)
	attempt.Version = manifest.Version

	if manifest.ID != rec.ID {
		return m.rollback(ctx, attempt, rec, result, &plugins.ManifestError{Errors: []plugins.ValidationError{{
			Field:    "id",
			Message:  fmt.Sprintf("Manifest id %s does not match installed plugin %s", manifest.ID, rec.ID),
			Severity: "error",
		}}})
	}
	if err := m.check(ctx, rec.RepositoryURL, manifest, verrs, snap.Dir, result); err != nil {
		return m.rollback(ctx, attempt, rec, result, err)
	}
	caps, gerrs := plugins.GrantCapabilities(manifest)
	if plugins.HasErrors(gerrs) {
		return m.rollback(ctx, attempt, rec, result, &plugins.ManifestError{Errors: gerrs})
	}
	checksum, err := source.TreeChecksum(snap.Dir)
	if err != nil {
		return m.rollback(ctx, attempt, rec, result, fmt.Errorf("failed to checksum plugin files: %w", err))
	}

	oldCaps, err := m.registry.Permissions(ctx, rec.ID)
	if err != nil {
		return m.rollback(ctx, attempt, rec, result, fmt.Errorf("failed to read current grants: %w", err))
	}

	target := rec.InstallPath
	if target == "" {
		target = m.installPath(rec.ID)
	}
	backup := filepath.Join(staging, "previous")
	if err := placeTree(target, backup); err != nil {
		return m.rollback(ctx, attempt, rec, result, fmt.Errorf("failed to back up plugin files: %w", err))
	}

	// From here on the old tree is out of place
	restore := func(cause error) (*Result, error) {
		if err := os.RemoveAll(target); err != nil {
			m.logger.Errorf("Failed to remove new files of %s: %v", rec.ID, err)
		}
		if err := placeTree(backup, target); err != nil {
			m.logger.Errorf("Failed to restore previous files of %s: %v", rec.ID, err)
		}
		detached := context.WithoutCancel(ctx)
		if err := m.registry.Put(detached, rec); err != nil {
			m.logger.Errorf("Failed to restore record of %s: %v", rec.ID, err)
		}
		if err := m.registry.GrantPermissions(detached, rec.ID, oldCaps); err != nil {
			m.logger.Errorf("Failed to restore grants of %s: %v", rec.ID, err)
		}
		m.grants.Invalidate(rec.ID)

		m.fail(ctx, rec.ID, plugins.StatusUpdating, cause)
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, cause.Error())
		result.Status = plugins.StatusFailed
		result.Outcome = plugins.AttemptFailed
		result.Reason = cause.Error()
		return result, cause
	}

	if err := os.RemoveAll(target); err != nil {
		return restore(fmt.Errorf("failed to clear install directory: %w", err))
	}
	if err := placeTree(snap.Dir, target); err != nil {
		return restore(fmt.Errorf("failed to place plugin files: %w", err))
	}

	err = m.registry.Put(ctx, &plugins.Record{
		ID:             rec.ID,
		Manifest:       manifest,
		RepositoryURL:  rec.RepositoryURL,
		SourceChecksum: checksum,
		InstallPath:    target,
		InstalledAt:    rec.InstalledAt,
		AutoUpdate:     autoUpdate,
	})
	if err != nil {
		return restore(fmt.Errorf("failed to persist plugin: %w", err))
	}
	if err := m.registry.GrantPermissions(ctx, rec.ID, caps); err != nil {
		return restore(fmt.Errorf("failed to grant permissions: %w", err))
	}
	m.grants.Invalidate(rec.ID)

	// The running score carries over; new findings are kept for audit only
	if _, err := m.scores.Archive(ctx, rec.ID, result.Findings); err != nil {
		m.logger.Warnf("Failed to archive scan findings of %s: %v", rec.ID, err)
	}

	if err := m.transition(ctx, rec.ID, plugins.StatusUpdating, plugins.StatusInstalled,
		fmt.Sprintf("updated from %s to %s", rec.Version(), manifest.Version)); err != nil {
		return restore(err)
	}

	if updated, err := m.registry.Get(ctx, rec.ID); err == nil {
		result.SecurityScore = updated.SecurityScore
	}
	m.retain(ctx, rec.ID, manifest.Version, target)
	m.finishAttempt(ctx, attempt, plugins.AttemptSucceeded, "")
	result.Status = plugins.StatusInstalled
	result.Outcome = plugins.AttemptSucceeded
	return result, nil
}

// rollback returns an Updating plugin to Installed on its previous version
func (m *Manager) rollback(ctx context.Context, attempt *plugins.InstallationAttempt, rec *plugins.Record, result *Result, cause error) (*Result, error) {
	detached := context.WithoutCancel(ctx)
	reason := fmt.Sprintf("update to %s rolled back: %v", attempt.Version, cause)
	if err := m.transition(detached, rec.ID, plugins.StatusUpdating, plugins.StatusInstalled, reason); err != nil {
		m.logger.Errorf("Failed to roll back %s: %v", rec.ID, err)
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		result.Outcome = plugins.AttemptFailed
		result.Reason = err.Error()
		return result, errors.Join(cause, err)
	}

	m.logger.Warnf("Update of %s rolled back: %v", rec.ID, cause)
	m.finishAttempt(ctx, attempt, plugins.AttemptRolledBack, cause.Error())
	result.Status = plugins.StatusInstalled
	result.Outcome = plugins.AttemptRolledBack
	result.Reason = cause.Error()
	if current, err := m.registry.Get(detached, rec.ID); err == nil {
		result.SecurityScore = current.SecurityScore
	}
	return result, cause
}

func (m *Manager) latestVersion(ctx context.Context, repositoryURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	defer cancel()
	v, err := m.fetcher.LatestVersion(ctx, repositoryURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve latest release: %w", err)
	}
	return v, nil
}

// newer reports whether candidate is a higher semantic version than current.
// Unparseable versions compare as different.
func newer(candidate, current string) bool {
	c, err1 := semver.NewVersion(candidate)
	v, err2 := semver.NewVersion(current)
	if err1 != nil || err2 != nil {
		return candidate != current
	}
	return c.GreaterThan(v)
}

// CheckUpdates updates every Installed plugin with auto_update set whose
// repository has a newer release.
func (m *Manager) CheckUpdates(ctx context.Context) ([]*Result, error) {
	enabled := true
	records, err := m.registry.List(ctx, registry.ListFilter{Status: plugins.StatusInstalled, AutoUpdate: &enabled})
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-update plugins: %w", err)
	}

	var mu sync.Mutex
	var results []*Result
	errs := async.Batch(ctx, records, m.config.Workers, "update check", m.config.OperationTimeout,
		func(ctx context.Context, rec *plugins.Record) error {
			latest, err := m.latestVersion(ctx, rec.RepositoryURL)
			if err != nil {
				return fmt.Errorf("%s: %w", rec.ID, err)
			}
			if !newer(latest, rec.Version()) {
				return nil
			}

			m.logger.Infof("Auto-updating %s from %s to %s", rec.ID, rec.Version(), latest)
			res, err := m.Update(ctx, UpdateRequest{PluginID: rec.ID, TargetVersion: latest})
			if res != nil {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			if err != nil && !errors.Is(err, plugins.ErrUpToDate) {
				return fmt.Errorf("%s: %w", rec.ID, err)
			}
			return nil
		})
	return results, errors.Join(errs...)
}
