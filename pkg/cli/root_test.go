package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writePlugin(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := map[string]interface{}{
		"id":          "project-timeline",
		"name":        "Project Timeline",
		"version":     "1.0.0",
		"description": "Timeline view of project milestones",
		"author":      "Acme",
		"repository":  "https://github.com/acme/project-timeline",
		"type":        "ui",
		"entry_point": "index.html",
		"permissions": []string{"read:projects"},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.ManifestFile), raw, 0o644))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand("1.0.0")
	assert.Equal(t, "plugctl", root.Use)

	expected := []string{"validate", "scan", "install", "list", "get", "update", "uninstall", "enable", "disable", "violations", "health"}
	for _, name := range expected {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.Len(t, root.Commands(), len(expected))
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, "list", "-o", "yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := writePlugin(t, map[string]string{"index.html": "<html></html>"})

	out, err := run(t, "validate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "project-timeline@1.0.0 is valid")

	missing := writePlugin(t, nil)
	out, err = run(t, "validate", "--dir", missing, "-o", "json")
	require.Error(t, err)
	var report struct {
		Valid  bool                      `json:"valid"`
		Errors []plugins.ValidationError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, "entry_point", report.Errors[0].Field)
}

func TestScan(t *testing.T) {
	clean := writePlugin(t, map[string]string{"index.html": "<html><body>ok</body></html>"})
	out, err := run(t, "scan", "--dir", clean)
	require.NoError(t, err)
	assert.Contains(t, out, "0 findings")

	dirty := writePlugin(t, map[string]string{
		"index.html": "<html></html>",
		"app.js":     "const run = (s) => eval(s);\n",
	})
	out, err = run(t, "scan", "--dir", dirty)
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrSecurityViolationBlocking))
	assert.Contains(t, out, "app.js")
}

func TestInstallWait(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/plugins/install":
			var req lifecycle.InstallRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://github.com/acme/project-timeline", req.RepositoryURL)
			assert.Equal(t, "1.2.0", req.Version)
			httputil.WriteAccepted(w, api.InstallAccepted{Status: plugins.AttemptAccepted, InstallationID: "att-1"})
		case r.Method == "GET" && r.URL.Path == "/api/v1/installations/att-1":
			polls++
			status := plugins.AttemptRunning
			if polls > 2 {
				status = plugins.AttemptSucceeded
			}
			httputil.WriteSuccess(w, plugins.InstallationAttempt{ID: "att-1", PluginID: "project-timeline",
				Operation: plugins.OperationInstall, Status: status})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "install", "https://github.com/acme/project-timeline",
		"--version", "1.2.0", "--wait", "--poll-interval", "5ms")
	require.NoError(t, err)
	assert.Equal(t, 3, polls)
	assert.Contains(t, out, "install att-1: project-timeline succeeded")
}

func TestInstallWaitFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			httputil.WriteAccepted(w, api.InstallAccepted{Status: plugins.AttemptAccepted, InstallationID: "att-2"})
			return
		}
		httputil.WriteSuccess(w, plugins.InstallationAttempt{ID: "att-2", Status: plugins.AttemptFailed, Reason: "blocking security violation"})
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "install", "https://github.com/acme/x", "--wait", "--poll-interval", "5ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocking security violation")
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteDetailedError(w, http.StatusConflict, plugins.ErrUpToDate, api.CodeUpToDate, nil)
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "update", "project-timeline")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, api.CodeUpToDate, apiErr.Code)
	assert.Equal(t, plugins.ErrUpToDate.Error(), apiErr.Message)
}

func TestUpdateRolledBack(t *testing.T) {
	var body api.UpdatePluginRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/plugins/project-timeline/update", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		httputil.WriteSuccess(w, lifecycle.Result{PluginID: "project-timeline", Version: "1.0.0", Status: plugins.StatusInstalled,
			Outcome: plugins.AttemptRolledBack, Reason: "blocking security violation"})
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "update", "project-timeline", "--version", "1.1.0", "--auto-update", "false")
	require.Error(t, err)
	assert.Contains(t, out, "rolled_back")
	assert.Equal(t, "1.1.0", body.TargetVersion)
	require.NotNil(t, body.AutoUpdate)
	assert.False(t, *body.AutoUpdate)
}

func TestListTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "disabled", r.URL.Query().Get("status"))
		httputil.WriteSuccess(w, api.PluginList{Total: 1, Plugins: []*plugins.Record{{
			ID:            "project-timeline",
			Manifest:      &plugins.Manifest{Version: "1.0.0", Type: plugins.PluginTypeUI},
			Status:        plugins.StatusDisabled,
			SecurityScore: 80,
		}}})
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "list", "--status", "disabled")
	require.NoError(t, err)
	assert.Contains(t, out, "project-timeline")
	assert.Contains(t, out, "disabled")
}
