package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// Policy holds the tunable monitoring thresholds
type Policy struct {
	// Penalties is the score deduction per violation severity
	Penalties map[plugins.Severity]int `yaml:"penalties"`
	// ScoreFloor disables a plugin whose score drops below it
	ScoreFloor int `yaml:"score_floor"`
	// Window is the sliding window for counting recent violations
	Window time.Duration `yaml:"window"`
	// WindowThreshold disables a plugin with more violations than this inside Window
	WindowThreshold int `yaml:"window_threshold"`
	// DenialSeverity is the severity of an UnauthorizedApiAccess violation
	DenialSeverity plugins.Severity `yaml:"denial_severity"`
	// LaneSize bounds the per-plugin queue of access-log and violation work
	LaneSize int `yaml:"lane_size"`
	// LaneIdle is how long an unused plugin queue is kept before it is closed
	LaneIdle time.Duration `yaml:"lane_idle"`
	// HealthyScore and DegradedScore classify Health results
	HealthyScore  int `yaml:"healthy_score"`
	DegradedScore int `yaml:"degraded_score"`
}

// DefaultPolicy returns the standard monitoring policy
func DefaultPolicy() Policy {
	return Policy{
		Penalties: map[plugins.Severity]int{
			plugins.SeverityCritical: 25,
			plugins.SeverityHigh:     10,
			plugins.SeverityMedium:   5,
			plugins.SeverityLow:      1,
		},
		ScoreFloor:      85,
		Window:          10 * time.Minute,
		WindowThreshold: 5,
		DenialSeverity:  plugins.SeverityHigh,
		LaneSize:        256,
		LaneIdle:        10 * time.Minute,
		HealthyScore:    80,
		DegradedScore:   60,
	}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}

	for sev, p := range file.Penalties {
		policy.Penalties[sev] = p
	}
	if file.ScoreFloor != 0 {
		policy.ScoreFloor = file.ScoreFloor
	}
	if file.Window != 0 {
		policy.Window = file.Window
	}
	if file.WindowThreshold != 0 {
		policy.WindowThreshold = file.WindowThreshold
	}
	if file.DenialSeverity != "" {
		policy.DenialSeverity = file.DenialSeverity
	}
	if file.LaneSize != 0 {
		policy.LaneSize = file.LaneSize
	}
	if file.LaneIdle != 0 {
		policy.LaneIdle = file.LaneIdle
	}
	if file.HealthyScore != 0 {
		policy.HealthyScore = file.HealthyScore
	}
	if file.DegradedScore != 0 {
		policy.DegradedScore = file.DegradedScore
	}

	return policy, policy.Validate()
}

// Validate checks the policy for inconsistent values
func (p Policy) Validate() error {
	for sev, penalty := range p.Penalties {
		if _, ok := plugins.ParseSeverity(string(sev)); !ok {
			return fmt.Errorf("unknown severity %q in penalties", sev)
		}
		if penalty < 0 {
			return fmt.Errorf("penalty for %s must not be negative", sev)
		}
	}
	if p.ScoreFloor < 0 || p.ScoreFloor > plugins.MaxSecurityScore {
		return fmt.Errorf("score_floor must be between 0 and %d", plugins.MaxSecurityScore)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if p.WindowThreshold < 1 {
		return fmt.Errorf("window_threshold must be at least 1")
	}
	if _, ok := plugins.ParseSeverity(string(p.DenialSeverity)); !ok {
		return fmt.Errorf("unknown denial_severity %q", p.DenialSeverity)
	}
	if p.LaneIdle < 0 {
		return fmt.Errorf("lane_idle must not be negative")
	}
	if p.DegradedScore > p.HealthyScore {
		return fmt.Errorf("degraded_score must not exceed healthy_score")
	}
	return nil
}

// Penalty returns the score deduction for a severity
func (p Policy) Penalty(sev plugins.Severity) int {
	return p.Penalties[sev]
}
