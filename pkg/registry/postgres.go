package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// PostgresRegistry implements Registry on PostgreSQL
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a registry and ensures its schema exists
func NewPostgresRegistry(db *sql.DB) (*PostgresRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	r := &PostgresRegistry{db: db}
	if err := r.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure registry schema: %w", err)
	}
	return r, nil
}

// ensureSchema creates the registry tables if they don't exist
func (r *PostgresRegistry) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS plugins (
		id VARCHAR(50) PRIMARY KEY,
		manifest JSONB,
		status VARCHAR(20) NOT NULL,
		status_reason TEXT NOT NULL DEFAULT '',
		security_score INTEGER NOT NULL DEFAULT 100 CHECK (security_score BETWEEN 0 AND 100),
		violation_count INTEGER NOT NULL DEFAULT 0,
		last_violation_at TIMESTAMP WITH TIME ZONE,
		installed_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		source_checksum VARCHAR(64) NOT NULL DEFAULT '',
		repository_url TEXT NOT NULL,
		install_path TEXT NOT NULL DEFAULT '',
		auto_update BOOLEAN NOT NULL DEFAULT FALSE,
		config JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_plugins_status ON plugins(status);
	CREATE INDEX IF NOT EXISTS idx_plugins_repository ON plugins(repository_url);

	CREATE TABLE IF NOT EXISTS plugin_permissions (
		plugin_id VARCHAR(50) NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
		capability VARCHAR(50) NOT NULL,
		granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (plugin_id, capability)
	);

	-- Violations are append-only and outlive the plugin record
	CREATE TABLE IF NOT EXISTS plugin_violations (
		id UUID PRIMARY KEY,
		plugin_id VARCHAR(50) NOT NULL,
		type VARCHAR(40) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		description TEXT NOT NULL,
		context JSONB,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plugin_violations_plugin_time ON plugin_violations(plugin_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS plugin_installations (
		id UUID PRIMARY KEY,
		plugin_id VARCHAR(50) NOT NULL DEFAULT '',
		repository_url TEXT NOT NULL DEFAULT '',
		version VARCHAR(100) NOT NULL DEFAULT '',
		operation VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_plugin_installations_plugin ON plugin_installations(plugin_id, started_at DESC);
	`

	_, err := r.db.Exec(query)
	return err
}

const recordColumns = `id, manifest, status, status_reason, security_score, violation_count,
	last_violation_at, installed_at, updated_at, source_checksum, repository_url,
	install_path, auto_update, config`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*plugins.Record, error) {
	var rec plugins.Record
	var manifestJSON, configJSON []byte
	var status string
	var lastViolation, installedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &manifestJSON, &status, &rec.StatusReason, &rec.SecurityScore, &rec.ViolationCount,
		&lastViolation, &installedAt, &rec.UpdatedAt, &rec.SourceChecksum, &rec.RepositoryURL,
		&rec.InstallPath, &rec.AutoUpdate, &configJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = plugins.Status(status)
	if len(manifestJSON) > 0 {
		m, err := plugins.UnmarshalManifest(manifestJSON)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", rec.ID, err)
		}
		rec.Manifest = m
	}
	if len(configJSON) > 0 {
		rec.Config = json.RawMessage(configJSON)
	}
	if lastViolation.Valid {
		t := lastViolation.Time
		rec.LastViolationAt = &t
	}
	if installedAt.Valid {
		t := installedAt.Time
		rec.InstalledAt = &t
	}
	return &rec, nil
}

// Put inserts a record or updates its lifecycle-owned fields
func (r *PostgresRegistry) Put(ctx context.Context, rec *plugins.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record ID is required")
	}

	var manifestJSON []byte
	if rec.Manifest != nil {
		var err error
		manifestJSON, err = plugins.MarshalManifest(rec.Manifest)
		if err != nil {
			return fmt.Errorf("failed to marshal manifest: %w", err)
		}
	}

	status := rec.Status
	if status == "" {
		status = plugins.StatusPending
	}

	query := `
		INSERT INTO plugins (
			id, manifest, status, status_reason, security_score, violation_count,
			installed_at, updated_at, source_checksum, repository_url, install_path, auto_update
		) VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			manifest = EXCLUDED.manifest,
			installed_at = EXCLUDED.installed_at,
			updated_at = NOW(),
			source_checksum = EXCLUDED.source_checksum,
			repository_url = EXCLUDED.repository_url,
			install_path = EXCLUDED.install_path,
			auto_update = EXCLUDED.auto_update
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, nullJSON(manifestJSON), string(status), rec.StatusReason, clampScore(rec.SecurityScore),
		nullTime(rec.InstalledAt), rec.SourceChecksum, rec.RepositoryURL, rec.InstallPath, rec.AutoUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a record by ID
func (r *PostgresRegistry) Get(ctx context.Context, id string) (*plugins.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM plugins WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plugins.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin %s: %w", id, err)
	}
	return rec, nil
}

// List returns matching records ordered by ID
func (r *PostgresRegistry) List(ctx context.Context, filter ListFilter) ([]*plugins.Record, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Type != "" {
		where = append(where, "manifest->>'type' = "+arg(string(filter.Type)))
	}
	if filter.RepositoryURL != "" {
		where = append(where, "repository_url = "+arg(filter.RepositoryURL))
	}
	if filter.AutoUpdate != nil {
		where = append(where, "auto_update = "+arg(*filter.AutoUpdate))
	}

	query := `SELECT ` + recordColumns + ` FROM plugins`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var out []*plugins.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the record; grants cascade, violations are retained
func (r *PostgresRegistry) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin %s: %w", id, err)
	}
	return requireRow(result, plugins.ErrNotFound)
}

// CompareAndSwapStatus moves a record between statuses in a single statement
func (r *PostgresRegistry) CompareAndSwapStatus(ctx context.Context, id string, from, to plugins.Status, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE plugins SET status = $3, status_reason = $4, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason,
	)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM plugins WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return plugins.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s, expected %s", plugins.ErrStatusConflict, id, current, from)
}

// AdjustScore adds delta to the score in a single clamped update
func (r *PostgresRegistry) AdjustScore(ctx context.Context, id string, delta int) (int, error) {
	var score int
	err := r.db.QueryRowContext(ctx,
		`UPDATE plugins SET security_score = LEAST(100, GREATEST(0, security_score + $2)), updated_at = NOW()
		 WHERE id = $1 RETURNING security_score`,
		id, delta,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, plugins.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust score of %s: %w", id, err)
	}
	return score, nil
}

// SetScore overwrites the score
func (r *PostgresRegistry) SetScore(ctx context.Context, id string, score int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE plugins SET security_score = $2, updated_at = NOW() WHERE id = $1`,
		id, clampScore(score),
	)
	if err != nil {
		return fmt.Errorf("failed to set score of %s: %w", id, err)
	}
	return requireRow(result, plugins.ErrNotFound)
}

// RecordViolation appends the violation and increments the count in one transaction
func (r *PostgresRegistry) RecordViolation(ctx context.Context, v *plugins.SecurityViolation) (int, error) {
	if v == nil || v.PluginID == "" {
		return 0, fmt.Errorf("violation plugin ID is required")
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}

	var contextJSON []byte
	if v.Context != nil {
		var err error
		contextJSON, err = json.Marshal(v.Context)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal violation context: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO plugin_violations (id, plugin_id, type, severity, description, context, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.PluginID, string(v.Type), string(v.Severity), v.Description, nullJSON(contextJSON), v.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert violation: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE plugins SET violation_count = violation_count + 1, last_violation_at = $2, updated_at = NOW()
		 WHERE id = $1 RETURNING violation_count`,
		v.PluginID, v.Timestamp,
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment violation count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit violation: %w", err)
	}
	return count, nil
}

// ListViolations returns the newest violations first
func (r *PostgresRegistry) ListViolations(ctx context.Context, pluginID string, limit int) ([]plugins.SecurityViolation, error) {
	if limit <= 0 {
		limit = DefaultViolationLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, plugin_id, type, severity, description, context, timestamp
		 FROM plugin_violations WHERE plugin_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		pluginID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []plugins.SecurityViolation
	for rows.Next() {
		var v plugins.SecurityViolation
		var vtype, severity string
		var contextJSON []byte
		if err := rows.Scan(&v.ID, &v.PluginID, &vtype, &severity, &v.Description, &contextJSON, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Type = plugins.ViolationType(vtype)
		v.Severity = plugins.Severity(severity)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &v.Context); err != nil {
				return nil, fmt.Errorf("failed to parse violation context: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GrantPermissions replaces the capability set in one transaction
func (r *PostgresRegistry) GrantPermissions(ctx context.Context, pluginID string, caps []plugins.Capability) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_permissions WHERE plugin_id = $1`, pluginID); err != nil {
		return fmt.Errorf("failed to revoke permissions: %w", err)
	}

	if len(caps) > 0 {
		names := make([]string, len(caps))
		for i, c := range caps {
			names[i] = string(c)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plugin_permissions (plugin_id, capability)
			 SELECT $1, unnest($2::text[])`,
			pluginID, pq.Array(names),
		)
		if err != nil {
			return fmt.Errorf("failed to grant permissions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit permissions: %w", err)
	}
	return nil
}

// Permissions returns the granted capabilities
func (r *PostgresRegistry) Permissions(ctx context.Context, pluginID string) ([]plugins.Capability, error) {
	var names []string
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(capability ORDER BY capability), '{}') FROM plugin_permissions WHERE plugin_id = $1`,
		pluginID,
	).Scan(pq.Array(&names))
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}

	caps := make([]plugins.Capability, len(names))
	for i, n := range names {
		caps[i] = plugins.Capability(n)
	}
	return caps, nil
}

// SetConfig stores operator configuration
func (r *PostgresRegistry) SetConfig(ctx context.Context, id string, config json.RawMessage) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE plugins SET config = $2, updated_at = NOW() WHERE id = $1`,
		id, nullJSON(config),
	)
	if err != nil {
		return fmt.Errorf("failed to set config of %s: %w", id, err)
	}
	return requireRow(result, plugins.ErrNotFound)
}

// RecordAttempt inserts or updates an installation attempt
func (r *PostgresRegistry) RecordAttempt(ctx context.Context, a *plugins.InstallationAttempt) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plugin_installations (
			id, plugin_id, repository_url, version, operation, status, reason, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			plugin_id = EXCLUDED.plugin_id,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			completed_at = EXCLUDED.completed_at
	`,
		a.ID, a.PluginID, a.RepositoryURL, a.Version, string(a.Operation), string(a.Status), a.Reason,
		a.StartedAt, nullTime(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record installation %s: %w", a.ID, err)
	}
	return nil
}

// GetAttempt loads an installation attempt
func (r *PostgresRegistry) GetAttempt(ctx context.Context, id string) (*plugins.InstallationAttempt, error) {
	var a plugins.InstallationAttempt
	var operation, status string
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, plugin_id, repository_url, version, operation, status, reason, started_at, completed_at
		FROM plugin_installations WHERE id = $1
	`, id).Scan(&a.ID, &a.PluginID, &a.RepositoryURL, &a.Version, &operation, &status, &a.Reason, &a.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installation %s: %w", id, plugins.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation %s: %w", id, err)
	}

	a.Operation = plugins.Operation(operation)
	a.Status = plugins.AttemptStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
