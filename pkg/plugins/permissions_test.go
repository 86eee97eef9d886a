package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGrantSource struct {
	mu    sync.Mutex
	caps  map[string][]Capability
	recs  map[string]*Record
	loads int
	err   error
}

func (f *fakeGrantSource) Get(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (f *fakeGrantSource) Permissions(ctx context.Context, pluginID string) ([]Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.caps[pluginID], nil
}

func newFakeGrantSource() *fakeGrantSource {
	m := validManifest()
	m.AllowedOrigins = []string{"https://api.example.com"}
	return &fakeGrantSource{
		caps: map[string][]Capability{"project-timeline": {CapReadProjects, CapNetworkHTTP}},
		recs: map[string]*Record{"project-timeline": {ID: "project-timeline", Manifest: m}},
	}
}

func TestGrantCapabilities(t *testing.T) {
	m := validManifest()
	m.Permissions = []Capability{CapReadEvents, CapReadProjects, CapReadEvents, "admin:read"}

	caps, errs := GrantCapabilities(m)
	assert.Equal(t, []Capability{CapReadEvents, CapReadProjects}, caps)
	require.Len(t, errs, 1)
	assert.Equal(t, "permissions[3]", errs[0].Field)
	assert.True(t, errs[0].IsError())
}

func TestGrantCapabilities_NoAdminGrant(t *testing.T) {
	for _, c := range []Capability{CapAdminRead, CapAdminWrite} {
		assert.False(t, IsKnownCapability(c))
	}
	assert.Len(t, Vocabulary(), 10)
}

func TestPermissionEngine_Check(t *testing.T) {
	source := newFakeGrantSource()
	engine := NewPermissionEngine(source, 16, time.Minute, getTestLogger())
	ctx := context.Background()

	assert.True(t, engine.Check(ctx, "project-timeline", CapReadProjects))
	assert.False(t, engine.Check(ctx, "project-timeline", CapWriteProjects))
	assert.False(t, engine.Check(ctx, "project-timeline", CapAdminRead))
	assert.Equal(t, 1, source.loads, "grant should be cached")

	assert.True(t, engine.OriginAllowed(ctx, "project-timeline", "https://api.example.com/v1/data"))
	assert.True(t, engine.OriginAllowed(ctx, "project-timeline", "wss://api.example.com/socket"))
	assert.False(t, engine.OriginAllowed(ctx, "project-timeline", "https://evil.example.com/"))

	// unknown plugins are denied
	assert.False(t, engine.Check(ctx, "unknown-plugin", CapReadProjects))
}

func TestPermissionEngine_Invalidate(t *testing.T) {
	source := newFakeGrantSource()
	engine := NewPermissionEngine(source, 16, time.Minute, getTestLogger())
	ctx := context.Background()

	assert.False(t, engine.Check(ctx, "project-timeline", CapWriteProjects))

	source.mu.Lock()
	source.caps["project-timeline"] = append(source.caps["project-timeline"], CapWriteProjects)
	source.mu.Unlock()
	assert.False(t, engine.Check(ctx, "project-timeline", CapWriteProjects), "stale cache until invalidated")

	engine.Invalidate("project-timeline")
	assert.True(t, engine.Check(ctx, "project-timeline", CapWriteProjects))
}

func TestPermissionEngine_SourceErrorDenies(t *testing.T) {
	source := newFakeGrantSource()
	source.err = errors.New("database unavailable")
	engine := NewPermissionEngine(source, 16, time.Minute, getTestLogger())

	assert.False(t, engine.Check(context.Background(), "project-timeline", CapReadProjects))
	assert.False(t, engine.OriginAllowed(context.Background(), "project-timeline", "https://api.example.com"))
}

func TestRequiredCapability(t *testing.T) {
	tests := []struct {
		method   string
		endpoint string
		expected Capability
	}{
		{"GET", "/api/v1/projects", CapReadProjects},
		{"GET", "/api/v1/projects/42/tasks", CapReadProjects},
		{"POST", "/api/v1/projects", CapWriteProjects},
		{"DELETE", "/api/v1/projects/42", CapWriteProjects},
		{"GET", "/api/v1/events?since=1", CapReadEvents},
		{"POST", "/api/v1/events", CapPublishEvents},
		{"GET", "/api/v1/logs", CapReadLogs},
		{"POST", "/api/v1/logs", CapAdminWrite},
		{"", "/api/v1/system/health", CapReadSystem},
		{"GET", "/api/v1/projectsx", CapAdminRead},
		{"GET", "/api/v1/admin/users", CapAdminRead},
		{"PUT", "/api/v1/plugins/other", CapAdminWrite},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.expected, RequiredCapability(tt.method, tt.endpoint))
		})
	}
}

func TestOriginInList(t *testing.T) {
	origins := []string{"https://api.example.com", "https://cdn.example.com:8443"}

	assert.True(t, OriginInList("https://API.example.com/path", origins))
	assert.True(t, OriginInList("https://cdn.example.com:8443/x.js", origins))
	assert.False(t, OriginInList("https://cdn.example.com/x.js", origins))
	assert.False(t, OriginInList("http://api.example.com", origins))
	assert.False(t, OriginInList("/relative/path", origins))
	assert.False(t, OriginInList("https://api.example.com.evil.net", origins))
}
