package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func pluginArchive(t *testing.T, prefix string) []byte {
	t.Helper()
	path := writeZip(t, []zipEntry{
		{name: prefix + "/plugin.json", body: `{"id":"project-timeline"}`},
		{name: prefix + "/index.html", body: "<html></html>"},
	})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newTestFetcher(t *testing.T, server *httptest.Server, token string) *GitHubFetcher {
	t.Helper()
	f, err := NewGitHubFetcher(GitHubConfig{
		Token:          token,
		ArchiveBaseURL: server.URL,
		APIBaseURL:     server.URL + "/api",
		InitialBackoff: time.Millisecond,
		HTTPClient:     server.Client(),
	}, getTestLogger())
	require.NoError(t, err)
	return f
}

func TestGitHubFetcher_FetchTag(t *testing.T) {
	archive := pluginArchive(t, "project-timeline-1.0.0")
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/acme/project-timeline/archive/refs/tags/1.0.0.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(archive)
	}))
	defer server.Close()

	f := newTestFetcher(t, server, "secret-token")
	dest := filepath.Join(t.TempDir(), "stage")

	snap, err := f.Fetch(context.Background(), "https://github.com/acme/project-timeline", "1.0.0", dest)
	require.NoError(t, err)
	defer os.Remove(snap.Archive)

	assert.Equal(t, "1.0.0", snap.Version)
	assert.Equal(t, dest, snap.Dir)
	assert.FileExists(t, filepath.Join(dest, "plugin.json"))
	assert.FileExists(t, snap.Archive)
	assert.Equal(t, "Bearer secret-token", auth.Load())
}

func TestGitHubFetcher_DefaultBranchFallback(t *testing.T) {
	archive := pluginArchive(t, "project-timeline-master")
	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/acme/project-timeline/archive/refs/heads/master.zip" {
			w.Write(archive)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newTestFetcher(t, server, "")
	snap, err := f.Fetch(context.Background(), "https://github.com/acme/project-timeline", "", filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	defer os.Remove(snap.Archive)

	assert.Equal(t, "master", snap.Version)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/acme/project-timeline/archive/refs/heads/main.zip",
		"/acme/project-timeline/archive/refs/heads/master.zip",
	}, requests)
}

func TestGitHubFetcher_RetriesTransientFailures(t *testing.T) {
	archive := pluginArchive(t, "repo-1.0.0")
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(archive)
	}))
	defer server.Close()

	f := newTestFetcher(t, server, "")
	snap, err := f.Fetch(context.Background(), "https://github.com/acme/repo", "1.0.0", filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	defer os.Remove(snap.Archive)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGitHubFetcher_Failures(t *testing.T) {
	t.Run("missing tag is not retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.NotFound(w, r)
		}))
		defer server.Close()

		f := newTestFetcher(t, server, "")
		_, err := f.Fetch(context.Background(), "https://github.com/acme/repo", "9.9.9", filepath.Join(t.TempDir(), "stage"))
		assert.ErrorIs(t, err, plugins.ErrFetchFailed)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries exhausted", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		f := newTestFetcher(t, server, "")
		_, err := f.Fetch(context.Background(), "https://github.com/acme/repo", "1.0.0", filepath.Join(t.TempDir(), "stage"))
		assert.ErrorIs(t, err, plugins.ErrFetchFailed)
		assert.Equal(t, int32(DefaultMaxAttempts), atomic.LoadInt32(&calls))
	})

	t.Run("oversized archive", func(t *testing.T) {
		archive := pluginArchive(t, "repo-1.0.0")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(archive)
		}))
		defer server.Close()

		f, err := NewGitHubFetcher(GitHubConfig{
			ArchiveBaseURL: server.URL,
			MaxArchiveSize: 16,
			InitialBackoff: time.Millisecond,
		}, getTestLogger())
		require.NoError(t, err)

		_, err = f.Fetch(context.Background(), "https://github.com/acme/repo", "1.0.0", filepath.Join(t.TempDir(), "stage"))
		assert.ErrorIs(t, err, plugins.ErrFetchFailed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		f := newTestFetcher(t, server, "")
		_, err := f.Fetch(ctx, "https://github.com/acme/repo", "1.0.0", filepath.Join(t.TempDir(), "stage"))
		assert.ErrorIs(t, err, plugins.ErrFetchFailed)
	})

	t.Run("invalid repository", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		f := newTestFetcher(t, server, "")
		_, err := f.Fetch(context.Background(), "not a url", "1.0.0", t.TempDir())
		assert.ErrorIs(t, err, plugins.ErrFetchFailed)
	})
}

func TestGitHubFetcher_LatestVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/repos/acme/project-timeline/releases/latest":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"tag_name":"1.2.0","name":"Release 1.2.0"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	defer server.Close()

	f := newTestFetcher(t, server, "")

	tag, err := f.LatestVersion(context.Background(), "https://github.com/acme/project-timeline")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", tag)

	_, err = f.LatestVersion(context.Background(), "https://github.com/acme/unreleased")
	assert.ErrorIs(t, err, plugins.ErrFetchFailed)
}

func TestDirFetcher(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0", "main", "scratch"} {
		dir := filepath.Join(root, "acme", "repo", v)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{"version":"`+v+`"}`), 0o644))
	}
	f := NewDirFetcher(root)
	ctx := context.Background()

	latest, err := f.LatestVersion(ctx, "https://github.com/acme/repo")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest)

	dest := filepath.Join(t.TempDir(), "stage")
	snap, err := f.Fetch(ctx, "https://github.com/acme/repo", "1.2.0", dest)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", snap.Version)
	assert.Empty(t, snap.Archive)
	data, err := os.ReadFile(filepath.Join(dest, "plugin.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.2.0")

	snap, err = f.Fetch(ctx, "https://github.com/acme/repo", "", filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	assert.Equal(t, "main", snap.Version)

	_, err = f.Fetch(ctx, "https://github.com/acme/repo", "2.0.0", filepath.Join(t.TempDir(), "stage"))
	assert.ErrorIs(t, err, plugins.ErrFetchFailed)

	_, err = f.Fetch(ctx, "https://github.com/acme/repo", "../../etc", filepath.Join(t.TempDir(), "stage"))
	assert.ErrorIs(t, err, plugins.ErrFetchFailed)
}
