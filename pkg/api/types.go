package api

import (
	"encoding/json"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// InstallAccepted is the 202 body of POST /plugins/install
type InstallAccepted struct {
	Status         plugins.AttemptStatus `json:"status"`
	PluginID       string                `json:"plugin_id"`
	InstallationID string                `json:"installation_id"`
}

// UpdatePluginRequest is the optional body of PUT /plugins/{id}/update
type UpdatePluginRequest struct {
	TargetVersion string `json:"target_version,omitempty"`
	AutoUpdate    *bool  `json:"auto_update,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// DisableRequest is the optional body of POST /plugins/{id}/disable
type DisableRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ConfigRequest is the body of POST /plugins/{id}/config
type ConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

// PluginList is the body of GET /plugins
type PluginList struct {
	Plugins []*plugins.Record `json:"plugins"`
	Total   int               `json:"total"`
}

// PluginDetail is a record plus, for a disabled plugin, the violations an
// operator needs to decide between re-enabling and uninstalling
type PluginDetail struct {
	*plugins.Record
	Permissions      []plugins.Capability        `json:"permissions,omitempty"`
	RecentViolations []plugins.SecurityViolation `json:"recent_violations,omitempty"`
}

// ViolationList is the body of GET /plugins/{id}/security/violations
type ViolationList struct {
	PluginID   string                      `json:"plugin_id"`
	Violations []plugins.SecurityViolation `json:"violations"`
	Count      int                         `json:"count"`
}

// ArchiveList is the body of GET /plugins/{id}/archives
type ArchiveList struct {
	PluginID string   `json:"plugin_id"`
	Archives []string `json:"archives"`
}

// Overview is the body of GET /plugins/stats/overview
type Overview struct {
	Total             int                        `json:"total"`
	ByStatus          map[plugins.Status]int     `json:"by_status"`
	ByType            map[plugins.PluginType]int `json:"by_type"`
	AverageScore      float64                    `json:"average_score"`
	TotalViolations   int                        `json:"total_violations"`
	LowestScore       *ScoreEntry                `json:"lowest_score,omitempty"`
	DroppedAccessLogs int64                      `json:"dropped_access_logs"`
}

// ScoreEntry names a plugin and its score
type ScoreEntry struct {
	PluginID      string `json:"plugin_id"`
	SecurityScore int    `json:"security_score"`
}
