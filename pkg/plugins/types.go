package plugins

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ManifestFile is the manifest location at the root of a plugin source tree
const ManifestFile = "plugin.json"

// ManifestFileYAML is accepted when no plugin.json is present
const ManifestFileYAML = "plugin.yaml"

// Manifest describes plugin metadata
type Manifest struct {
	ID             string            `json:"id" yaml:"id"`                                             // Unique ID (e.g., "project-timeline")
	Name           string            `json:"name" yaml:"name"`                                         // Display name
	Version        string            `json:"version" yaml:"version"`                                   // Semver
	Description    string            `json:"description" yaml:"description"`                           // Short description
	Author         string            `json:"author" yaml:"author"`                                     // Author name
	Homepage       string            `json:"homepage,omitempty" yaml:"homepage,omitempty"`             // Homepage URL
	Repository     string            `json:"repository" yaml:"repository"`                             // Source repository URL
	Type           PluginType        `json:"type" yaml:"type"`                                         // Plugin kind
	EntryPoint     string            `json:"entry_point,omitempty" yaml:"entry_point,omitempty"`       // Relative path of the root asset
	Permissions    []Capability      `json:"permissions" yaml:"permissions"`                           // Requested capabilities
	APIEndpoints   []string          `json:"api_endpoints,omitempty" yaml:"api_endpoints,omitempty"`   // Host API endpoints the plugin calls
	AllowedOrigins []string          `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // External origins the plugin may reach
	Dependencies   map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`     // Plugin ID -> semver constraint
	HostVersion    string            `json:"host_version,omitempty" yaml:"host_version,omitempty"`     // Constraint on the dashboard version
	ConfigSchema   json.RawMessage   `json:"config_schema,omitempty" yaml:"-"`                         // JSON Schema for operator config
}

// PluginType defines the kind of plugin
type PluginType string

const (
	PluginTypeUI          PluginType = "ui"
	PluginTypeData        PluginType = "data"
	PluginTypeIntegration PluginType = "integration"
	PluginTypeSystem      PluginType = "system"
)

var validTypes = map[PluginType]bool{
	PluginTypeUI:          true,
	PluginTypeData:        true,
	PluginTypeIntegration: true,
	PluginTypeSystem:      true,
}

// ParsePluginType normalizes a type string, returning false for unknown kinds
func ParsePluginType(s string) (PluginType, bool) {
	t := PluginType(strings.ToLower(strings.TrimSpace(s)))
	return t, validTypes[t]
}

// Severity ranks a security violation
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity, 0 for unknown values
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity name
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	_, ok := severityRank[sev]
	return sev, ok
}

// ViolationType classifies a security violation
type ViolationType string

const (
	ViolationUnauthorizedAPIAccess ViolationType = "unauthorized_api_access"
	ViolationPermissionEscalation  ViolationType = "permission_escalation"
	ViolationMaliciousCode         ViolationType = "malicious_code_detected"
	ViolationUnsafeNetworkRequest  ViolationType = "unsafe_network_request"
	ViolationSandboxEscape         ViolationType = "sandbox_escape_attempt"
	ViolationResourceAbuse         ViolationType = "resource_abuse"
	ViolationDataExfiltration      ViolationType = "data_exfiltration"
)

// SecurityViolation is an append-only record of a detected security event
type SecurityViolation struct {
	ID          string            `json:"id"`
	PluginID    string            `json:"plugin_id"`
	Type        ViolationType     `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Finding is a violation candidate produced by the static scanner
type Finding struct {
	Category    string        `json:"category"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	File        string        `json:"file"`
	Line        int           `json:"line"`
	Match       string        `json:"match"`
}

// Blocking reports whether the finding alone prevents installation
func (f Finding) Blocking() bool {
	return f.Severity.AtLeast(SeverityHigh)
}

// Violation converts the finding into a persisted violation for a plugin
func (f Finding) Violation(pluginID string, at time.Time) SecurityViolation {
	return SecurityViolation{
		PluginID:    pluginID,
		Type:        f.Type,
		Severity:    f.Severity,
		Description: f.Description,
		Context: map[string]string{
			"category": f.Category,
			"file":     f.File,
			"line":     strconv.Itoa(f.Line),
			"match":    f.Match,
			"source":   "static_scan",
		},
		Timestamp: at,
	}
}

// ValidationError represents a manifest validation error
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

const (
	severityError   = "error"
	severityWarning = "warning"
)

// IsError reports whether the validation error rejects the manifest
func (e ValidationError) IsError() bool {
	return e.Severity != severityWarning
}

// HasErrors reports whether any entry is an error rather than a warning
func HasErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if e.IsError() {
			return true
		}
	}
	return false
}

// Record is the registry's view of an admitted (or attempted) plugin
type Record struct {
	ID              string          `json:"id"`
	Manifest        *Manifest       `json:"manifest"`
	Status          Status          `json:"status"`
	StatusReason    string          `json:"status_reason,omitempty"`
	SecurityScore   int             `json:"security_score"`
	ViolationCount  int             `json:"violation_count"`
	LastViolationAt *time.Time      `json:"last_violation_at,omitempty"`
	InstalledAt     *time.Time      `json:"installed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SourceChecksum  string          `json:"source_checksum,omitempty"`
	RepositoryURL   string          `json:"repository_url"`
	InstallPath     string          `json:"install_path,omitempty"`
	AutoUpdate      bool            `json:"auto_update"`
	Config          json.RawMessage `json:"config,omitempty"`
}

// Version returns the installed manifest version, or empty if unknown
func (r *Record) Version() string {
	if r.Manifest == nil {
		return ""
	}
	return r.Manifest.Version
}

// Type returns the manifest plugin type, or empty if unknown
func (r *Record) Type() PluginType {
	if r.Manifest == nil {
		return ""
	}
	return r.Manifest.Type
}

// MaxSecurityScore is the score of a plugin with no recorded violations
const MaxSecurityScore = 100

// Operation names an installation attempt
type Operation string

const (
	OperationInstall   Operation = "install"
	OperationUpdate    Operation = "update"
	OperationUninstall Operation = "uninstall"
)

// AttemptStatus is the outcome of an installation attempt
type AttemptStatus string

const (
	AttemptAccepted   AttemptStatus = "accepted"
	AttemptRunning    AttemptStatus = "running"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled_back"
)

// InstallationAttempt is the audit record of one lifecycle operation
type InstallationAttempt struct {
	ID            string        `json:"id"`
	PluginID      string        `json:"plugin_id,omitempty"`
	RepositoryURL string        `json:"repository_url,omitempty"`
	Version       string        `json:"version,omitempty"`
	Operation     Operation     `json:"operation"`
	Status        AttemptStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
