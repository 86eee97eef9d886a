package monitor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/source"
)

// DefaultIntegrityDebounce groups bursts of file events into one verification
const DefaultIntegrityDebounce = 500 * time.Millisecond

// Recorder persists runtime violations
type Recorder interface {
	Record(ctx context.Context, v *plugins.SecurityViolation) (*Outcome, error)
}

// RecordSource resolves installed plugin records
type RecordSource interface {
	Get(ctx context.Context, id string) (*plugins.Record, error)
}

// IntegrityWatcher watches installed plugin trees and records a Critical
// violation when a tree no longer matches the checksum taken at install.
type IntegrityWatcher struct {
	records  RecordSource
	recorder Recorder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	roots   map[string]string // plugin ID -> install path
	dirs    map[string]string // watched directory -> plugin ID
	pending map[string]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewIntegrityWatcher creates a watcher. Call Start to begin processing events.
func NewIntegrityWatcher(records RecordSource, recorder Recorder, debounce time.Duration, logger *logrus.Logger) (*IntegrityWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultIntegrityDebounce
	}
	return &IntegrityWatcher{
		records:  records,
		recorder: recorder,
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
		roots:    make(map[string]string),
		dirs:     make(map[string]string),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until Stop
func (w *IntegrityWatcher) Start() {
	go w.eventLoop()
}

// Watch adds every directory of the plugin's install tree
func (w *IntegrityWatcher) Watch(pluginID, root string) error {
	w.Unwatch(pluginID)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.roots[pluginID] = root
	if err := w.addTree(pluginID, root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	w.logger.Debugf("Watching %s for plugin %s", root, pluginID)
	return nil
}

// addTree must be called with mu held
func (w *IntegrityWatcher) addTree(pluginID, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.dirs[path] = pluginID
		return nil
	})
}

// Unwatch stops watching a plugin
func (w *IntegrityWatcher) Unwatch(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.roots[pluginID]; !ok {
		return
	}
	delete(w.roots, pluginID)
	for dir, id := range w.dirs {
		if id == pluginID {
			// The directory may already be gone
			_ = w.watcher.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	if t, ok := w.pending[pluginID]; ok {
		t.Stop()
		delete(w.pending, pluginID)
	}
}

// Watched reports whether the plugin's tree is being watched
func (w *IntegrityWatcher) Watched(pluginID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.roots[pluginID]
	return ok
}

// StatusChanged watches plugins while they are Installed
func (w *IntegrityWatcher) StatusChanged(ctx context.Context, pluginID string, rec *plugins.Record, from, to plugins.Status) {
	if rec == nil || to != plugins.StatusInstalled || rec.InstallPath == "" {
		w.Unwatch(pluginID)
		return
	}
	if err := w.Watch(pluginID, rec.InstallPath); err != nil {
		w.logger.Warnf("Integrity watch of %s not started: %v", pluginID, err)
	}
}

// Stop stops the event loop and closes the underlying watcher
func (w *IntegrityWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	clear(w.pending)
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *IntegrityWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Integrity watcher error: %v", err)

		case <-w.done:
			return
		}
	}
}

func (w *IntegrityWatcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pluginID, ok := w.owner(event.Name)
	if !ok {
		return
	}

	// New directories must be watched too, fsnotify is not recursive
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(pluginID, event.Name); err != nil {
				w.logger.Warnf("Failed to watch new directory %s: %v", event.Name, err)
			}
		}
	}

	if t, ok := w.pending[pluginID]; ok {
		t.Stop()
	}
	w.pending[pluginID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, pluginID)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := w.Verify(ctx, pluginID); err != nil {
			w.logger.Errorf("Integrity check of %s failed: %v", pluginID, err)
		}
	})
}

// owner must be called with mu held
func (w *IntegrityWatcher) owner(path string) (string, bool) {
	if id, ok := w.dirs[path]; ok {
		return id, true
	}
	id, ok := w.dirs[filepath.Dir(path)]
	return id, ok
}

// Verify compares the installed tree with the recorded checksum. It returns
// true when the tree is intact; a mismatch is recorded as a Critical
// SandboxEscapeAttempt violation.
func (w *IntegrityWatcher) Verify(ctx context.Context, pluginID string) (bool, error) {
	rec, err := w.records.Get(ctx, pluginID)
	if err != nil {
		return false, fmt.Errorf("failed to load plugin: %w", err)
	}
	if rec.Status != plugins.StatusInstalled || rec.SourceChecksum == "" {
		return true, nil
	}

	actual, err := source.TreeChecksum(rec.InstallPath)
	if err != nil {
		actual = "unreadable: " + err.Error()
	}
	if actual == rec.SourceChecksum {
		return true, nil
	}

	w.logger.Warnf("Plugin %s files changed after install (%s)", pluginID, rec.InstallPath)
	_, err = w.recorder.Record(ctx, &plugins.SecurityViolation{
		PluginID:    pluginID,
		Type:        plugins.ViolationSandboxEscape,
		Severity:    plugins.SeverityCritical,
		Description: "installed files were modified outside the lifecycle manager",
		Context: map[string]string{
			"install_path": rec.InstallPath,
			"expected":     rec.SourceChecksum,
			"actual":       strings.TrimSpace(actual),
			"source":       "integrity_watcher",
		},
	})
	if err != nil {
		return false, err
	}
	return false, nil
}
