package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	// Ensure the plugin_access_log table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure plugin_access_log table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the plugin_access_log table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS plugin_access_log (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL,
		plugin_id VARCHAR(50),
		capability VARCHAR(50),
		origin TEXT,
		ip_address VARCHAR(45),
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		status_code INTEGER,
		message TEXT,
		error_message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Create indexes for common query patterns
	CREATE INDEX IF NOT EXISTS idx_plugin_access_log_plugin_time ON plugin_access_log(plugin_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_plugin_access_log_event_type ON plugin_access_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_plugin_access_log_status ON plugin_access_log(status);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO plugin_access_log (
			timestamp, event_type, status,
			plugin_id, capability, origin,
			ip_address, request_id,
			method, path, status_code,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8,
			$9, $10, $11,
			$12, $13, $14
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, string(event.EventType), string(event.Status),
		event.PluginID, event.Capability, event.Origin,
		event.IPAddress, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, event.ErrorMessage, metadataJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogAccess logs a plugin call
func (l *DBLogger) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return l.Log(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

// LogLifecycle logs a lifecycle operation
func (l *DBLogger) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return l.Log(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

// LogHTTPRequest logs an HTTP request
func (l *DBLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return l.Log(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

// whereClause builds the shared filter conditions
func whereClause(filter SearchFilter) (string, []interface{}) {
	clause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		clause += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		clause += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.PluginID != "" {
		clause += fmt.Sprintf(" AND plugin_id = $%d", argCount)
		args = append(args, filter.PluginID)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		clause += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		eventTypeStrs := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			eventTypeStrs[i] = string(et)
		}
		args = append(args, pq.Array(eventTypeStrs))
		argCount++
	}

	if filter.Status != nil {
		clause += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(*filter.Status))
		argCount++
	}

	if filter.Capability != "" {
		clause += fmt.Sprintf(" AND capability = $%d", argCount)
		args = append(args, filter.Capability)
	}

	return clause, args
}

// Search searches audit logs based on filters, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	where, args := whereClause(filter)
	query := `
		SELECT
			id, timestamp, event_type, status,
			plugin_id, capability, origin,
			ip_address, request_id,
			method, path, status_code,
			message, error_message, metadata
		FROM plugin_access_log
	` + where + " ORDER BY timestamp DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event := &AuditEvent{}
		var eventType, status string
		var pluginID, capability, origin, ip, requestID, method, path, message, errMsg sql.NullString
		var statusCode sql.NullInt64
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID, &event.Timestamp, &eventType, &status,
			&pluginID, &capability, &origin,
			&ip, &requestID,
			&method, &path, &statusCode,
			&message, &errMsg, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		event.EventType = EventType(eventType)
		event.Status = EventStatus(status)
		event.PluginID = pluginID.String
		event.Capability = capability.String
		event.Origin = origin.String
		event.IPAddress = ip.String
		event.RequestID = requestID.String
		event.Method = method.String
		event.Path = path.String
		event.StatusCode = int(statusCode.Int64)
		event.Message = message.String
		event.ErrorMessage = errMsg.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return events, nil
}

// GetStats retrieves audit log statistics
func (l *DBLogger) GetStats(ctx context.Context, filter SearchFilter) (*AuditStats, error) {
	stats := &AuditStats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}
	if filter.StartTime != nil && filter.EndTime != nil {
		stats.TimeRange = &TimeRange{Start: *filter.StartTime, End: *filter.EndTime}
	}

	where, args := whereClause(filter)

	rows, err := l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT event_type, status, COUNT(*) FROM plugin_access_log %s GROUP BY event_type, status", where),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, status string
		var count int64
		if err := rows.Scan(&eventType, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.TotalEvents += count
		stats.EventsByType[EventType(eventType)] += count
		stats.EventsByStatus[EventStatus(status)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit stats: %w", err)
	}

	stats.Denials = stats.EventsByStatus[EventStatusDenied]
	return stats, nil
}

// Cleanup removes audit logs older than the retention period
func (l *DBLogger) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	result, err := l.db.ExecContext(ctx, "DELETE FROM plugin_access_log WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database logger
func (l *DBLogger) Close() error {
	// We don't close the database connection as it may be shared
	return nil
}
