package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/audit"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
)

// lock takes the per-plugin lock of an existing record and reloads it
func (m *Manager) lock(ctx context.Context, id string) (*plugins.Record, *lockSet, error) {
	locks := &lockSet{}
	if err := m.lockPlugin(ctx, locks, id); err != nil {
		return nil, nil, err
	}
	rec, err := m.registry.Get(ctx, id)
	if err != nil {
		locks.release()
		return nil, nil, err
	}
	return rec, locks, nil
}

// Uninstall removes a plugin's files and grants and deletes its record.
// Violations stay in the registry for audit.
func (m *Manager) Uninstall(ctx context.Context, id string) (*Result, error) {
	rec, locks, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locks.release()

	ctx, span := tracer.Start(ctx, "lifecycle.Uninstall")
	defer span.End()

	if err := plugins.ValidateTransition(rec.Status, plugins.StatusUninstalling); err != nil {
		return nil, err
	}

	attempt := m.newAttempt(plugins.OperationUninstall, id, rec.RepositoryURL, rec.Version())
	attempt.Status = plugins.AttemptRunning
	m.saveAttempt(ctx, attempt)
	result := &Result{AttemptID: attempt.ID, PluginID: id, Version: rec.Version(), SecurityScore: rec.SecurityScore}

	if dependents, err := m.dependentsOf(ctx, id); err != nil {
		m.logger.Warnf("Failed to check dependents of %s: %v", id, err)
	} else if len(dependents) > 0 {
		m.logger.Warnf("Uninstalling %s which is required by %s", id, strings.Join(dependents, ", "))
	}

	if err := m.transition(ctx, id, rec.Status, plugins.StatusUninstalling, "uninstall requested"); err != nil {
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		return nil, err
	}

	if err := m.finishUninstall(ctx, rec); err != nil {
		span.RecordError(err)
		m.finishAttempt(ctx, attempt, plugins.AttemptFailed, err.Error())
		result.Status = plugins.StatusUninstalling
		result.Outcome = plugins.AttemptFailed
		result.Reason = err.Error()
		return result, err
	}

	m.finishAttempt(ctx, attempt, plugins.AttemptSucceeded, "")
	result.Status = plugins.StatusUninstalling
	result.Outcome = plugins.AttemptSucceeded
	m.logger.Infof("Uninstalled plugin %s %s", id, rec.Version())
	return result, nil
}

// finishUninstall removes what is left of a record in Uninstalling. It is safe
// to run again after a partial failure.
func (m *Manager) finishUninstall(ctx context.Context, rec *plugins.Record) error {
	ctx = context.WithoutCancel(ctx)
	path := rec.InstallPath
	if path == "" {
		path = m.installPath(rec.ID)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove plugin files: %w", err)
	}
	if err := m.registry.GrantPermissions(ctx, rec.ID, nil); err != nil {
		return fmt.Errorf("failed to revoke grants: %w", err)
	}
	m.grants.Invalidate(rec.ID)
	if err := m.registry.Delete(ctx, rec.ID); err != nil && !errors.Is(err, plugins.ErrNotFound) {
		return fmt.Errorf("failed to delete plugin record: %w", err)
	}
	m.broadcast(ctx, rec.ID, nil, plugins.StatusUninstalling, plugins.StatusUninstalling)
	return nil
}

// Enable returns a Disabled plugin to service. resetScore restores the
// security score to 100 and clears the violation window.
func (m *Manager) Enable(ctx context.Context, id string, resetScore bool) (*plugins.Record, error) {
	rec, locks, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locks.release()

	// Installed is reachable from Updating too; only Disabled may be enabled
	if rec.Status != plugins.StatusDisabled {
		return nil, &plugins.TransitionError{From: rec.Status, To: plugins.StatusInstalled}
	}
	if resetScore {
		if err := m.scores.ResetScore(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := m.transition(ctx, id, plugins.StatusDisabled, plugins.StatusInstalled, "enabled by operator"); err != nil {
		return nil, err
	}
	m.lifecycleEvent(ctx, audit.EventTypePluginEnable, id, fmt.Sprintf("enabled, score reset %t", resetScore))
	return m.registry.Get(ctx, id)
}

// Disable takes an Installed plugin out of service
func (m *Manager) Disable(ctx context.Context, id, reason string) (*plugins.Record, error) {
	rec, locks, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locks.release()

	if err := plugins.ValidateTransition(rec.Status, plugins.StatusDisabled); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "disabled by operator"
	}
	if err := m.transition(ctx, id, rec.Status, plugins.StatusDisabled, reason); err != nil {
		return nil, err
	}
	m.lifecycleEvent(ctx, audit.EventTypePluginDisable, id, reason)
	return m.registry.Get(ctx, id)
}

// Configure stores a plugin's configuration after checking it against the
// manifest's config schema.
func (m *Manager) Configure(ctx context.Context, id string, config json.RawMessage) (*plugins.Record, error) {
	rec, locks, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locks.release()

	if rec.Status.Busy() {
		return nil, fmt.Errorf("%w: %s is %s", plugins.ErrInstallConflict, id, rec.Status)
	}
	if errs := plugins.CheckConfig(rec.Manifest, config); plugins.HasErrors(errs) {
		return nil, &plugins.ManifestError{Errors: errs}
	}
	if err := m.registry.SetConfig(ctx, id, config); err != nil {
		return nil, fmt.Errorf("failed to store config: %w", err)
	}
	m.lifecycleEvent(ctx, audit.EventTypePluginConfigure, id, "configuration updated")
	return m.registry.Get(ctx, id)
}

// Rescan runs the scanner over an installed tree. Nothing is recorded; the
// report is returned for review.
func (m *Manager) Rescan(ctx context.Context, id string) (*plugins.ScanReport, error) {
	rec, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.InstallPath == "" || (rec.Status != plugins.StatusInstalled && rec.Status != plugins.StatusDisabled) {
		return nil, fmt.Errorf("%w: %s has no installed files (%s)", plugins.ErrInvalidTransition, id, rec.Status)
	}
	return m.scan(ctx, rec.InstallPath, rec.Manifest)
}

// Recover resolves records left mid-operation by a previous process.
// Installing and Updating become Failed, Uninstalling is completed and
// leftover staging directories are removed.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.registry.List(ctx, registry.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}

	var errs []error
	for _, rec := range records {
		switch rec.Status {
		case plugins.StatusInstalling, plugins.StatusUpdating:
			m.logger.Warnf("Plugin %s was left %s, marking failed", rec.ID, rec.Status)
			if err := m.transition(ctx, rec.ID, rec.Status, plugins.StatusFailed, "interrupted by restart"); err != nil {
				errs = append(errs, err)
			}
		case plugins.StatusUninstalling:
			m.logger.Warnf("Plugin %s was left uninstalling, completing removal", rec.ID)
			if err := m.finishUninstall(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
			}
		}
	}

	if _, err := m.CleanupStaging(0); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CleanupStaging removes attempt directories older than maxAge that no running
// operation owns. A zero maxAge removes every idle one.
func (m *Manager) CleanupStaging(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.config.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read staging directory: %w", err)
	}

	running := m.runningAttempts()
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, stagingPrefix) {
			continue
		}
		if running[strings.TrimPrefix(name, stagingPrefix)] {
			continue
		}
		if maxAge > 0 {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(m.config.StagingDir, name)); err != nil {
			m.logger.Warnf("Failed to remove staging directory %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Infof("Removed %d stale staging director(ies)", removed)
	}
	return removed, nil
}

func (m *Manager) lifecycleEvent(ctx context.Context, event audit.EventType, id, message string) {
	if err := m.audit.LogLifecycle(context.WithoutCancel(ctx), event, id, audit.EventStatusSuccess, message); err != nil {
		m.logger.Warnf("Failed to write audit event for %s: %v", id, err)
	}
}
