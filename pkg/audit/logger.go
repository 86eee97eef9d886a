package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// LogAccess logs a plugin call decided by the runtime monitor
	LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error

	// LogLifecycle logs a lifecycle operation on a plugin
	LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error

	// LogHTTPRequest logs an HTTP request (for middleware)
	LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// Store queries persisted audit logs
type Store interface {
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)
	GetStats(ctx context.Context, filter SearchFilter) (*AuditStats, error)
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// contextKey is the type for context keys
type contextKey string

const (
	// AuditLoggerKey is the context key for the audit logger
	AuditLoggerKey contextKey = "audit_logger"

	// RequestIDKey carries the request ID set by the API middleware
	RequestIDKey contextKey = "request_id"
)

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NopLogger()
}

// WithRequestID stores the request ID for events built from ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// NopLogger returns a logger that discards events
func NopLogger() Logger {
	return logFunc(func(context.Context, *AuditEvent) error { return nil })
}

// logFunc adapts a single Log function to the Logger interface
type logFunc func(ctx context.Context, event *AuditEvent) error

func (f logFunc) Log(ctx context.Context, event *AuditEvent) error { return f(ctx, event) }

func (f logFunc) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return f(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

func (f logFunc) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return f(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

func (f logFunc) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return f(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

func (f logFunc) Close() error { return nil }

// LogrusLogger writes audit events as structured log lines
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger creates an audit logger on top of a logrus logger
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

// Log writes the event at info level, or warn for denials
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"status":     event.Status,
	}
	if event.PluginID != "" {
		fields["plugin_id"] = event.PluginID
	}
	if event.Capability != "" {
		fields["capability"] = event.Capability
	}
	if event.Path != "" {
		fields["path"] = event.Path
	}
	if event.StatusCode != 0 {
		fields["status_code"] = event.StatusCode
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}

	entry := l.logger.WithFields(fields)
	if event.Status == EventStatusDenied {
		entry.Warn(event.Message)
	} else {
		entry.Info(event.Message)
	}
	return nil
}

func (l *LogrusLogger) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return l.Log(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

func (l *LogrusLogger) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return l.Log(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

func (l *LogrusLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return l.Log(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

// Close is a no-op; the logrus logger is owned by the caller
func (l *LogrusLogger) Close() error {
	return nil
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	return r.RemoteAddr
}

// buildBaseEvent creates a base audit event with common fields populated
func buildBaseEvent(ctx context.Context, r *http.Request, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		event.RequestID = id
	}

	if r != nil {
		event.IPAddress = getClientIP(r)
		event.Method = r.Method
		event.Path = r.URL.Path
	}

	return event
}

func accessEvent(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) *AuditEvent {
	event := buildBaseEvent(ctx, nil, eventType, status)
	event.PluginID = pluginID
	event.Capability = capability
	event.Path = path
	event.Message = message
	return event
}

func lifecycleEvent(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) *AuditEvent {
	event := buildBaseEvent(ctx, nil, eventType, status)
	event.PluginID = pluginID
	event.Message = message
	return event
}

func httpEvent(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) *AuditEvent {
	status := EventStatusSuccess
	if statusCode >= 400 {
		status = EventStatusFailure
	}
	if statusCode == http.StatusForbidden {
		status = EventStatusDenied
	}

	event := buildBaseEvent(ctx, r, EventTypeAPIRequest, status)
	event.StatusCode = statusCode
	event.Metadata["duration_ms"] = duration.Milliseconds()
	if r != nil {
		event.Message = r.Method + " " + r.URL.Path
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	return event
}
