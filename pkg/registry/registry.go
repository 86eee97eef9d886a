// Package registry persists plugin records, permission grants, security violations
// and installation attempts.
//
// Field ownership is split between writers: the lifecycle manager writes status,
// manifest, checksum, paths, config and grants; the runtime monitor writes the
// security score, violation count and violations. Score and count changes are
// atomic read-modify-write operations so concurrent violations never lose updates.
package registry

import (
	"context"
	"encoding/json"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// DefaultViolationLimit is used when a caller does not bound a violation listing
const DefaultViolationLimit = 50

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status        plugins.Status
	Type          plugins.PluginType
	RepositoryURL string
	AutoUpdate    *bool
}

// Registry is the durable store behind the control plane
type Registry interface {
	// Put inserts a record or updates its lifecycle-owned fields. Status, score and
	// violation count of an existing record are left untouched.
	Put(ctx context.Context, rec *plugins.Record) error
	Get(ctx context.Context, id string) (*plugins.Record, error)
	List(ctx context.Context, filter ListFilter) ([]*plugins.Record, error)
	Delete(ctx context.Context, id string) error

	// CompareAndSwapStatus moves a record from one status to another, failing with
	// plugins.ErrStatusConflict if the current status is not from.
	CompareAndSwapStatus(ctx context.Context, id string, from, to plugins.Status, reason string) error

	// AdjustScore atomically adds delta to the security score, clamped to [0, 100],
	// and returns the new score.
	AdjustScore(ctx context.Context, id string, delta int) (int, error)
	// SetScore overwrites the security score, clamped to [0, 100].
	SetScore(ctx context.Context, id string, score int) error

	// RecordViolation appends a violation and atomically increments the plugin's
	// violation count, returning the new count. Violations of unknown plugins are
	// still appended and report a count of zero.
	RecordViolation(ctx context.Context, v *plugins.SecurityViolation) (int, error)
	// ListViolations returns the newest violations of a plugin first.
	ListViolations(ctx context.Context, pluginID string, limit int) ([]plugins.SecurityViolation, error)

	// GrantPermissions replaces the capability set of a plugin
	GrantPermissions(ctx context.Context, pluginID string, caps []plugins.Capability) error
	Permissions(ctx context.Context, pluginID string) ([]plugins.Capability, error)

	SetConfig(ctx context.Context, id string, config json.RawMessage) error

	// RecordAttempt inserts or updates an installation attempt
	RecordAttempt(ctx context.Context, a *plugins.InstallationAttempt) error
	GetAttempt(ctx context.Context, id string) (*plugins.InstallationAttempt, error)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > plugins.MaxSecurityScore {
		return plugins.MaxSecurityScore
	}
	return score
}

func matches(rec *plugins.Record, f ListFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Type != "" && rec.Type() != f.Type {
		return false
	}
	if f.RepositoryURL != "" && rec.RepositoryURL != f.RepositoryURL {
		return false
	}
	if f.AutoUpdate != nil && rec.AutoUpdate != *f.AutoUpdate {
		return false
	}
	return true
}
