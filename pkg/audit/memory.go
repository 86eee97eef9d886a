package audit

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds a MemoryLogger
const DefaultMemoryCapacity = 10000

// MemoryLogger keeps the most recent events in memory. It implements both
// Logger and Store and backs single-node deployments without a database.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []*AuditEvent
	capacity int
	nextID   int64
}

// NewMemoryLogger creates a logger retaining up to capacity events
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity}
}

// Log appends the event, evicting the oldest when full
func (m *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	stored := *event
	m.events = append(m.events, &stored)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}
	return nil
}

func (m *MemoryLogger) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return m.Log(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

func (m *MemoryLogger) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return m.Log(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

func (m *MemoryLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return m.Log(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

func (m *MemoryLogger) match(e *AuditEvent, filter SearchFilter) bool {
	if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && e.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.PluginID != "" && e.PluginID != filter.PluginID {
		return false
	}
	if filter.Status != nil && e.Status != *filter.Status {
		return false
	}
	if filter.Capability != "" && e.Capability != filter.Capability {
		return false
	}
	if len(filter.EventTypes) > 0 {
		found := false
		for _, t := range filter.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Search returns matching events, newest first
func (m *MemoryLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.limit()
	skipped := 0
	events := make([]*AuditEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(events) < limit; i-- {
		e := m.events[i]
		if !m.match(e, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out := *e
		events = append(events, &out)
	}
	return events, nil
}

// GetStats counts matching events
func (m *MemoryLogger) GetStats(ctx context.Context, filter SearchFilter) (*AuditStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &AuditStats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}
	for _, e := range m.events {
		if !m.match(e, filter) {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[e.EventType]++
		stats.EventsByStatus[e.Status]++
	}
	stats.Denials = stats.EventsByStatus[EventStatusDenied]
	return stats, nil
}

// Cleanup drops events older than the retention period
func (m *MemoryLogger) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

// Close is a no-op
func (m *MemoryLogger) Close() error {
	return nil
}
