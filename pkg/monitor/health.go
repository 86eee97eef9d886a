package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// HealthStatus classifies a plugin's runtime health
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthDisabled    HealthStatus = "disabled"
	HealthUnavailable HealthStatus = "unavailable"
)

// Health is the runtime health of one plugin
type Health struct {
	PluginID      string       `json:"plugin_id"`
	Status        HealthStatus `json:"status"`
	LastCheck     time.Time    `json:"last_check"`
	ResponseTime  float64      `json:"response_time"` // milliseconds
	SecurityScore int          `json:"security_score"`
	Reason        string       `json:"reason,omitempty"`
}

// Health reports the plugin's health from its security score and status
func (m *Monitor) Health(ctx context.Context, pluginID string) (*Health, error) {
	start := time.Now()
	rec, err := m.registry.Get(ctx, pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin: %w", err)
	}

	h := &Health{
		PluginID:      pluginID,
		LastCheck:     m.now().UTC(),
		ResponseTime:  float64(time.Since(start).Microseconds()) / 1000,
		SecurityScore: rec.SecurityScore,
	}

	switch {
	case rec.Status == plugins.StatusDisabled:
		h.Status = HealthDisabled
		h.Reason = rec.StatusReason
	case rec.Status != plugins.StatusInstalled:
		h.Status = HealthUnavailable
		h.Reason = string(rec.Status)
	case rec.SecurityScore >= m.policy.HealthyScore:
		h.Status = HealthHealthy
	case rec.SecurityScore >= m.policy.DegradedScore:
		h.Status = HealthDegraded
	default:
		h.Status = HealthUnhealthy
	}
	return h, nil
}
