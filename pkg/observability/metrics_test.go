package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	if m == nil {
		t.Fatal("Expected metrics")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected duplicate registration to panic")
		}
	}()
	NewMetrics(registry)
}

func TestMetrics_Lifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation(plugins.OperationInstall, plugins.AttemptSucceeded, 2*time.Second)
	m.RecordOperation(plugins.OperationInstall, plugins.AttemptSucceeded, time.Second)
	m.RecordOperation(plugins.OperationUpdate, plugins.AttemptRolledBack, time.Second)
	m.RecordTransition(plugins.StatusInstalling, plugins.StatusInstalled)

	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("install", string(plugins.AttemptSucceeded))); got != 2 {
		t.Errorf("Expected 2 successful installs, got %v", got)
	}
	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("update", string(plugins.AttemptRolledBack))); got != 1 {
		t.Errorf("Expected 1 rolled back update, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("installing", "installed")); got != 1 {
		t.Errorf("Expected 1 transition, got %v", got)
	}
}

func TestMetrics_Monitor(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision("project-timeline", "api_call", true)
	m.RecordDecision("project-timeline", "api_call", false)
	m.RecordDecision("project-timeline", "api_call", false)
	m.RecordViolation("project-timeline", plugins.SeverityHigh)
	m.RecordAutoDisable("project-timeline")
	m.RecordDroppedAccessLog("project-timeline")

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("api_call", "deny")); got != 2 {
		t.Errorf("Expected 2 denials, got %v", got)
	}
	if got := testutil.ToFloat64(m.ViolationsTotal.WithLabelValues("project-timeline", "high")); got != 1 {
		t.Errorf("Expected 1 violation, got %v", got)
	}
	if got := testutil.ToFloat64(m.AutoDisablesTotal.WithLabelValues("project-timeline")); got != 1 {
		t.Errorf("Expected 1 auto disable, got %v", got)
	}
	if got := testutil.ToFloat64(m.DroppedAccessLogsTotal.WithLabelValues("project-timeline")); got != 1 {
		t.Errorf("Expected 1 dropped entry, got %v", got)
	}
}

func TestMetrics_ObservePlugins(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObservePlugins([]*plugins.Record{
		{ID: "a", Status: plugins.StatusInstalled, SecurityScore: 100},
		{ID: "b", Status: plugins.StatusInstalled, SecurityScore: 80},
		{ID: "c", Status: plugins.StatusDisabled, SecurityScore: 40},
	})

	if got := testutil.ToFloat64(m.PluginsByStatus.WithLabelValues("installed")); got != 2 {
		t.Errorf("Expected 2 installed, got %v", got)
	}
	if got := testutil.ToFloat64(m.PluginsByStatus.WithLabelValues("failed")); got != 0 {
		t.Errorf("Expected failed gauge reset to 0, got %v", got)
	}

	m.ObservePlugins(nil)
	if got := testutil.ToFloat64(m.PluginsByStatus.WithLabelValues("installed")); got != 0 {
		t.Errorf("Expected installed gauge reset to 0, got %v", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/api/v1/plugins/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")
	router.Handle("/metrics", MetricsHandler(registry))

	for _, id := range []string{"a", "b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/plugins/"+id, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/plugins/{id}", "404")); got != 2 {
		t.Errorf("Expected requests labelled by route template, got %v", got)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "plugd_http_requests_total") {
		t.Error("Expected metrics endpoint to expose plugd_http_requests_total")
	}
}
