package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// Plugin host API access, emitted by the runtime monitor
	EventTypeAPICall        EventType = "access.api_call"
	EventTypeNetworkRequest EventType = "access.network_request"
	EventTypeMessage        EventType = "access.message"

	// Lifecycle events
	EventTypePluginInstall     EventType = "lifecycle.install"
	EventTypePluginUpdate      EventType = "lifecycle.update"
	EventTypePluginUninstall   EventType = "lifecycle.uninstall"
	EventTypePluginEnable      EventType = "lifecycle.enable"
	EventTypePluginDisable     EventType = "lifecycle.disable"
	EventTypePluginAutoDisable EventType = "lifecycle.auto_disable"
	EventTypePluginConfigure   EventType = "lifecycle.configure"

	// Operator requests against the control plane API
	EventTypeAPIRequest EventType = "operator.api_request"
)

// AccessEventTypes are the event types recorded for plugin calls
var AccessEventTypes = []EventType{EventTypeAPICall, EventTypeNetworkRequest, EventTypeMessage}

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Plugin context
	PluginID   string `json:"plugin_id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Origin     string `json:"origin,omitempty"`

	// Request context
	IPAddress  string `json:"ip_address,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	PluginID   string
	EventTypes []EventType
	Status     *EventStatus
	Capability string

	Limit  int
	Offset int
}

const (
	// DefaultSearchLimit applies when a filter has no limit
	DefaultSearchLimit = 100
	// MaxSearchLimit caps a single page
	MaxSearchLimit = 1000
)

func (f SearchFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	}
	return f.Limit
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// AuditStats summarizes access for one plugin or the whole host
type AuditStats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	Denials        int64                 `json:"denials"`
	TimeRange      *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange represents a time range for statistics
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RetentionPolicy defines how long audit logs should be kept
type RetentionPolicy struct {
	RetentionDays int
}

// DefaultRetentionPolicy returns a default retention policy (90 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}
