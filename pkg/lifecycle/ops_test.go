package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

type statusEvent struct {
	id       string
	deleted  bool
	from, to plugins.Status
}

type recordingListener struct {
	events []statusEvent
}

func (l *recordingListener) StatusChanged(ctx context.Context, id string, rec *plugins.Record, from, to plugins.Status) {
	l.events = append(l.events, statusEvent{id: id, deleted: rec == nil, from: from, to: to})
}

func TestUninstall(t *testing.T) {
	env := setupManager(t, Config{})
	listener := &recordingListener{}
	env.manager.AddListener(listener)
	env.publish(t, testManifest("weather-widget", "1.0.0"), `document.getElementById('root').innerHTML = '<b>sunny</b>';`)
	env.install(t, "weather-widget", "1.0.0")
	path := env.record(t, "weather-widget").InstallPath

	res, err := env.manager.Uninstall(context.Background(), "weather-widget")
	require.NoError(t, err)
	assert.Equal(t, plugins.AttemptSucceeded, res.Outcome)

	_, err = env.registry.Get(context.Background(), "weather-widget")
	assert.ErrorIs(t, err, plugins.ErrNotFound)
	assert.NoDirExists(t, path)

	caps, err := env.registry.Permissions(context.Background(), "weather-widget")
	require.NoError(t, err)
	assert.Empty(t, caps)

	violations, err := env.registry.ListViolations(context.Background(), "weather-widget", 0)
	require.NoError(t, err)
	assert.Len(t, violations, 1)

	require.NotEmpty(t, listener.events)
	last := listener.events[len(listener.events)-1]
	assert.True(t, last.deleted)
	assert.Equal(t, plugins.StatusUninstalling, last.to)

	_, err = env.manager.Uninstall(context.Background(), "weather-widget")
	assert.ErrorIs(t, err, plugins.ErrNotFound)
}

func TestUninstall_FromFailed(t *testing.T) {
	env := setupManager(t, Config{})
	env.publish(t, testManifest("shady-widget", "1.0.0"), `eval(input);`)
	_, err := env.manager.Install(context.Background(), InstallRequest{RepositoryURL: repoURL("shady-widget"), Version: "1.0.0"})
	require.Error(t, err)

	_, err = env.manager.Uninstall(context.Background(), "shady-widget")
	require.NoError(t, err)
	_, err = env.registry.Get(context.Background(), "shady-widget")
	assert.ErrorIs(t, err, plugins.ErrNotFound)
}

func TestUninstall_KeepsDependentsRunning(t *testing.T) {
	env := setupManager(t, Config{})
	ext := testManifest("widget-ext", "1.0.0")
	ext["dependencies"] = map[string]string{"widget-base": "^1.0.0"}
	env.publish(t, testManifest("widget-base", "1.0.0"), cleanJS)
	env.publish(t, ext, cleanJS)
	env.install(t, "widget-base", "1.0.0")
	env.install(t, "widget-ext", "1.0.0")

	_, err := env.manager.Uninstall(context.Background(), "widget-base")
	require.NoError(t, err)
	assert.Equal(t, plugins.StatusInstalled, env.record(t, "widget-ext").Status)
}

func TestEnableDisable(t *testing.T) {
	env := setupManager(t, Config{})
	env.publish(t, testManifest("project-timeline", "1.0.0"), cleanJS)
	env.install(t, "project-timeline", "1.0.0")

	_, err := env.manager.Enable(context.Background(), "project-timeline", false)
	assert.ErrorIs(t, err, plugins.ErrInvalidTransition)

	rec, err := env.manager.Disable(context.Background(), "project-timeline", "")
	require.NoError(t, err)
	assert.Equal(t, plugins.StatusDisabled, rec.Status)
	assert.Equal(t, "disabled by operator", rec.StatusReason)

	_, err = env.manager.Disable(context.Background(), "project-timeline", "")
	assert.ErrorIs(t, err, plugins.ErrInvalidTransition)

	_, err = env.registry.AdjustScore(context.Background(), "project-timeline", -40)
	require.NoError(t, err)

	rec, err = env.manager.Enable(context.Background(), "project-timeline", false)
	require.NoError(t, err)
	assert.Equal(t, plugins.StatusInstalled, rec.Status)
	assert.Equal(t, 60, rec.SecurityScore)

	_, err = env.manager.Disable(context.Background(), "project-timeline", "maintenance")
	require.NoError(t, err)
	rec, err = env.manager.Enable(context.Background(), "project-timeline", true)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.SecurityScore)
}

func TestConfigure(t *testing.T) {
	env := setupManager(t, Config{})
	manifest := testManifest("project-timeline", "1.0.0")
	manifest["config_schema"] = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"refresh_seconds": map[string]interface{}{"type": "integer", "minimum": 5},
		},
		"required": []string{"refresh_seconds"},
	}
	env.publish(t, manifest, cleanJS)
	env.install(t, "project-timeline", "1.0.0")

	_, err := env.manager.Configure(context.Background(), "project-timeline", json.RawMessage(`{"refresh_seconds": 1}`))
	assert.ErrorIs(t, err, plugins.ErrManifestInvalid)

	_, err = env.manager.Configure(context.Background(), "project-timeline", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, plugins.ErrManifestInvalid)

	rec, err := env.manager.Configure(context.Background(), "project-timeline", json.RawMessage(`{"refresh_seconds": 30}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"refresh_seconds": 30}`, string(rec.Config))
}

func TestRescan(t *testing.T) {
	env := setupManager(t, Config{})
	env.publish(t, testManifest("weather-widget", "1.0.0"), `document.getElementById('root').innerHTML = '<b>sunny</b>';`)
	env.install(t, "weather-widget", "1.0.0")

	report, err := env.manager.Rescan(context.Background(), "weather-widget")
	require.NoError(t, err)
	assert.Len(t, report.Findings, 1)
	assert.False(t, report.HasBlocking())
	assert.Equal(t, 95, env.record(t, "weather-widget").SecurityScore)
}

func TestRecover(t *testing.T) {
	env := setupManager(t, Config{})
	ctx := context.Background()
	for id, status := range map[string]plugins.Status{
		"stuck-install":   plugins.StatusInstalling,
		"stuck-update":    plugins.StatusUpdating,
		"stuck-uninstall": plugins.StatusUninstalling,
		"fine-plugin":     plugins.StatusInstalled,
	} {
		require.NoError(t, env.registry.Put(ctx, &plugins.Record{
			ID:            id,
			Manifest:      &plugins.Manifest{ID: id, Version: "1.0.0"},
			Status:        status,
			SecurityScore: 100,
			RepositoryURL: repoURL(id),
			InstallPath:   filepath.Join(env.dir, id),
		}))
		require.NoError(t, os.MkdirAll(filepath.Join(env.dir, id), 0o755))
	}
	orphan := filepath.Join(env.manager.config.StagingDir, stagingPrefix+"orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	require.NoError(t, env.manager.Recover(ctx))

	assert.Equal(t, plugins.StatusFailed, env.record(t, "stuck-install").Status)
	assert.Equal(t, plugins.StatusFailed, env.record(t, "stuck-update").Status)
	assert.Equal(t, plugins.StatusInstalled, env.record(t, "fine-plugin").Status)
	_, err := env.registry.Get(ctx, "stuck-uninstall")
	assert.ErrorIs(t, err, plugins.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(env.dir, "stuck-uninstall"))
	assert.NoDirExists(t, orphan)
}

func TestCleanupStaging(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	env := setupManager(t, Config{}, WithClock(func() time.Time { return now }))
	staging := env.manager.config.StagingDir

	old := filepath.Join(staging, stagingPrefix+"old")
	fresh := filepath.Join(staging, stagingPrefix+"fresh")
	other := filepath.Join(staging, "keep-me")
	for _, dir := range []string{old, fresh, other} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(fresh, now, now))

	running, err := env.manager.stage("running")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(running, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	removed, err := env.manager.CleanupStaging(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
	assert.DirExists(t, running)

	env.manager.unstage(running)
	removed, err = env.manager.CleanupStaging(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, fresh)
}

func TestArchiveRetention(t *testing.T) {
	store, err := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	tick := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	env := setupManager(t, Config{ArchiveRetention: 2}, WithArchiveStore(store), WithClock(clock))
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		env.publish(t, testManifest("project-timeline", v), cleanJS)
	}

	env.install(t, "project-timeline", "1.0.0")
	keys, err := env.manager.Archives(context.Background(), "project-timeline")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "1.0.0.zip")

	for _, v := range []string{"1.1.0", "1.2.0"} {
		_, err := env.manager.Update(context.Background(), UpdateRequest{PluginID: "project-timeline", TargetVersion: v})
		require.NoError(t, err)
	}

	keys, err = env.manager.Archives(context.Background(), "project-timeline")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Contains(t, keys[0], "1.1.0.zip")
	assert.Contains(t, keys[1], "1.2.0.zip")
}
