package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

// Metrics holds all Prometheus metrics. It implements the metrics sinks of
// the lifecycle manager and the runtime monitor.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	TransitionsTotal  *prometheus.CounterVec

	// Monitor metrics
	DecisionsTotal         *prometheus.CounterVec
	ViolationsTotal        *prometheus.CounterVec
	AutoDisablesTotal      *prometheus.CounterVec
	DroppedAccessLogsTotal *prometheus.CounterVec
	PluginsByStatus        *prometheus.GaugeVec
	SecurityScoreHistogram prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_lifecycle_operations_total",
				Help: "Lifecycle operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_lifecycle_operation_duration_seconds",
				Help:    "Duration of lifecycle operations in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"operation"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_status_transitions_total",
				Help: "Committed plugin status transitions",
			},
			[]string{"from", "to"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_monitor_decisions_total",
				Help: "Intercepted plugin calls by capability and decision",
			},
			[]string{"capability", "decision"},
		),
		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_security_violations_total",
				Help: "Recorded security violations by severity",
			},
			[]string{"plugin_id", "severity"},
		),
		AutoDisablesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_auto_disables_total",
				Help: "Plugins disabled by the runtime monitor",
			},
			[]string{"plugin_id"},
		),
		DroppedAccessLogsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_access_log_dropped_total",
				Help: "Access log entries dropped because a plugin lane was full",
			},
			[]string{"plugin_id"},
		),
		PluginsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugd_plugins",
				Help: "Number of plugin records by status",
			},
			[]string{"status"},
		),
		SecurityScoreHistogram: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugd_security_score",
				Help:    "Distribution of security scores of installed plugins",
				Buckets: []float64{50, 60, 70, 80, 85, 90, 95, 100},
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OperationsTotal,
		m.OperationDuration,
		m.TransitionsTotal,
		m.DecisionsTotal,
		m.ViolationsTotal,
		m.AutoDisablesTotal,
		m.DroppedAccessLogsTotal,
		m.PluginsByStatus,
		m.SecurityScoreHistogram,
	)

	return m
}

// RecordOperation counts a finished lifecycle operation
func (m *Metrics) RecordOperation(op plugins.Operation, outcome plugins.AttemptStatus, d time.Duration) {
	m.OperationsTotal.WithLabelValues(string(op), string(outcome)).Inc()
	m.OperationDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// RecordTransition counts a committed status transition
func (m *Metrics) RecordTransition(from, to plugins.Status) {
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordDecision counts an intercepted call
func (m *Metrics) RecordDecision(pluginID, capability string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.DecisionsTotal.WithLabelValues(capability, decision).Inc()
}

// RecordViolation counts a recorded violation
func (m *Metrics) RecordViolation(pluginID string, severity plugins.Severity) {
	m.ViolationsTotal.WithLabelValues(pluginID, string(severity)).Inc()
}

// RecordAutoDisable counts a monitor-driven disable
func (m *Metrics) RecordAutoDisable(pluginID string) {
	m.AutoDisablesTotal.WithLabelValues(pluginID).Inc()
}

// RecordDroppedAccessLog counts an access log entry lost to backpressure
func (m *Metrics) RecordDroppedAccessLog(pluginID string) {
	m.DroppedAccessLogsTotal.WithLabelValues(pluginID).Inc()
}

// ObservePlugins refreshes the per-status gauges and the score distribution
func (m *Metrics) ObservePlugins(records []*plugins.Record) {
	counts := make(map[plugins.Status]int)
	for _, rec := range records {
		counts[rec.Status]++
		if rec.Status == plugins.StatusInstalled {
			m.SecurityScoreHistogram.Observe(float64(rec.SecurityScore))
		}
	}
	for _, status := range []plugins.Status{
		plugins.StatusPending, plugins.StatusInstalling, plugins.StatusInstalled, plugins.StatusFailed,
		plugins.StatusUpdating, plugins.StatusUninstalling, plugins.StatusDisabled,
	} {
		m.PluginsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the mux route template, so it must run as
// router middleware.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := httputil.NewStatusRecorder(w)

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
