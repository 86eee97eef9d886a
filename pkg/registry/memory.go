package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// MemoryRegistry is an in-process Registry used by tests and single-node development
type MemoryRegistry struct {
	mu          sync.RWMutex
	records     map[string]*plugins.Record
	permissions map[string][]plugins.Capability
	violations  []plugins.SecurityViolation
	attempts    map[string]*plugins.InstallationAttempt
	now         func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records:     make(map[string]*plugins.Record),
		permissions: make(map[string][]plugins.Capability),
		attempts:    make(map[string]*plugins.InstallationAttempt),
		now:         time.Now,
	}
}

func copyRecord(rec *plugins.Record) *plugins.Record {
	out := *rec
	if rec.Manifest != nil {
		m := *rec.Manifest
		m.Permissions = append([]plugins.Capability(nil), rec.Manifest.Permissions...)
		m.APIEndpoints = append([]string(nil), rec.Manifest.APIEndpoints...)
		m.AllowedOrigins = append([]string(nil), rec.Manifest.AllowedOrigins...)
		if rec.Manifest.Dependencies != nil {
			m.Dependencies = make(map[string]string, len(rec.Manifest.Dependencies))
			for k, v := range rec.Manifest.Dependencies {
				m.Dependencies[k] = v
			}
		}
		out.Manifest = &m
	}
	if rec.Config != nil {
		out.Config = append(json.RawMessage(nil), rec.Config...)
	}
	return &out
}

// Put inserts a record or updates its lifecycle-owned fields
func (r *MemoryRegistry) Put(ctx context.Context, rec *plugins.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.records[rec.ID]
	if !ok {
		stored := copyRecord(rec)
		if stored.Status == "" {
			stored.Status = plugins.StatusPending
		}
		stored.SecurityScore = clampScore(stored.SecurityScore)
		stored.UpdatedAt = now
		r.records[rec.ID] = stored
		return nil
	}

	src := copyRecord(rec)
	existing.Manifest = src.Manifest
	existing.SourceChecksum = src.SourceChecksum
	existing.RepositoryURL = src.RepositoryURL
	existing.InstallPath = src.InstallPath
	existing.InstalledAt = src.InstalledAt
	existing.AutoUpdate = src.AutoUpdate
	existing.UpdatedAt = now
	return nil
}

// Get returns a copy of the record
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*plugins.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, plugins.ErrNotFound
	}
	return copyRecord(rec), nil
}

// List returns matching records ordered by ID
func (r *MemoryRegistry) List(ctx context.Context, filter ListFilter) ([]*plugins.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*plugins.Record
	for _, rec := range r.records {
		if matches(rec, filter) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the record and its grants. Violations are retained.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return plugins.ErrNotFound
	}
	delete(r.records, id)
	delete(r.permissions, id)
	return nil
}

// CompareAndSwapStatus moves a record between statuses atomically
func (r *MemoryRegistry) CompareAndSwapStatus(ctx context.Context, id string, from, to plugins.Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return plugins.ErrNotFound
	}
	if rec.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", plugins.ErrStatusConflict, id, rec.Status, from)
	}
	rec.Status = to
	rec.StatusReason = reason
	rec.UpdatedAt = r.now()
	return nil
}

// AdjustScore atomically adds delta to the score
func (r *MemoryRegistry) AdjustScore(ctx context.Context, id string, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return 0, plugins.ErrNotFound
	}
	rec.SecurityScore = clampScore(rec.SecurityScore + delta)
	rec.UpdatedAt = r.now()
	return rec.SecurityScore, nil
}

// SetScore overwrites the score
func (r *MemoryRegistry) SetScore(ctx context.Context, id string, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return plugins.ErrNotFound
	}
	rec.SecurityScore = clampScore(score)
	rec.UpdatedAt = r.now()
	return nil
}

// RecordViolation appends a violation and increments the count
func (r *MemoryRegistry) RecordViolation(ctx context.Context, v *plugins.SecurityViolation) (int, error) {
	if v == nil || v.PluginID == "" {
		return 0, fmt.Errorf("violation plugin ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = r.now()
	}
	stored := *v
	if v.Context != nil {
		stored.Context = make(map[string]string, len(v.Context))
		for k, val := range v.Context {
			stored.Context[k] = val
		}
	}
	r.violations = append(r.violations, stored)

	rec, ok := r.records[v.PluginID]
	if !ok {
		return 0, nil
	}
	rec.ViolationCount++
	ts := v.Timestamp
	rec.LastViolationAt = &ts
	return rec.ViolationCount, nil
}

// ListViolations returns the newest violations first
func (r *MemoryRegistry) ListViolations(ctx context.Context, pluginID string, limit int) ([]plugins.SecurityViolation, error) {
	if limit <= 0 {
		limit = DefaultViolationLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []plugins.SecurityViolation
	for i := len(r.violations) - 1; i >= 0; i-- {
		if r.violations[i].PluginID == pluginID {
			out = append(out, r.violations[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GrantPermissions replaces the capability set
func (r *MemoryRegistry) GrantPermissions(ctx context.Context, pluginID string, caps []plugins.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[pluginID]; !ok {
		return plugins.ErrNotFound
	}
	r.permissions[pluginID] = append([]plugins.Capability(nil), caps...)
	return nil
}

// Permissions returns the granted capabilities
func (r *MemoryRegistry) Permissions(ctx context.Context, pluginID string) ([]plugins.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]plugins.Capability(nil), r.permissions[pluginID]...), nil
}

// SetConfig stores operator configuration
func (r *MemoryRegistry) SetConfig(ctx context.Context, id string, config json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return plugins.ErrNotFound
	}
	rec.Config = append(json.RawMessage(nil), config...)
	rec.UpdatedAt = r.now()
	return nil
}

// RecordAttempt inserts or updates an installation attempt
func (r *MemoryRegistry) RecordAttempt(ctx context.Context, a *plugins.InstallationAttempt) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *a
	r.attempts[a.ID] = &stored
	return nil
}

// GetAttempt returns an installation attempt
func (r *MemoryRegistry) GetAttempt(ctx context.Context, id string) (*plugins.InstallationAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, fmt.Errorf("installation %s: %w", id, plugins.ErrNotFound)
	}
	out := *a
	return &out, nil
}
