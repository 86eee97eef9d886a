package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewFileSystemStore(t *testing.T) {
	t.Run("creates store with new directory", func(t *testing.T) {
		rootDir := filepath.Join(t.TempDir(), "archives")

		store, err := NewFileSystemStore(rootDir)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if store.rootDir != rootDir {
			t.Errorf("Expected rootDir %s, got %s", rootDir, store.rootDir)
		}
		if _, err := os.Stat(rootDir); os.IsNotExist(err) {
			t.Error("Root directory should have been created")
		}
	})

	t.Run("rejects empty root", func(t *testing.T) {
		if _, err := NewFileSystemStore(""); err == nil {
			t.Fatal("Expected error for empty root")
		}
	})
}

func TestFileSystemStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	key := ArchiveKey("demo-plugin", "1.0.0", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err := store.Put(ctx, key, strings.NewReader("zip-bytes"), "application/zip"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "zip-bytes" {
		t.Errorf("Expected zip-bytes, got %q", data)
	}

	if _, err := store.Get(ctx, "plugins/missing/x.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, "../escape.zip", strings.NewReader("x"), "application/zip"); err == nil {
		t.Error("Expected error for key outside the root")
	}
}

func TestFileSystemStore_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		key := ArchiveKey("demo-plugin", v, base.Add(time.Duration(i)*time.Hour))
		if err := store.Put(ctx, key, strings.NewReader(v), "application/zip"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := store.Put(ctx, ArchiveKey("other", "1.0.0", base), strings.NewReader("o"), "application/zip"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	keys, err := store.List(ctx, PluginPrefix("demo-plugin"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %v", keys)
	}
	if !strings.HasSuffix(keys[0], "-1.0.0.zip") {
		t.Errorf("Expected oldest archive first, got %s", keys[0])
	}

	removed, err := Prune(ctx, store, "demo-plugin", 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 archives removed, got %d", removed)
	}

	keys, _ = store.List(ctx, PluginPrefix("demo-plugin"))
	if len(keys) != 1 || !strings.HasSuffix(keys[0], "-1.2.0.zip") {
		t.Errorf("Expected only the newest archive to remain, got %v", keys)
	}

	others, _ := store.List(ctx, PluginPrefix("other"))
	if len(others) != 1 {
		t.Errorf("Other plugins must not be pruned, got %v", others)
	}

	if err := store.Delete(ctx, keys[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, keys[0]); err != nil {
		t.Errorf("Deleting a missing key should succeed, got %v", err)
	}
}

func TestFileSystemStore_HealthCheck(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	if got := ArchiveKey("demo-plugin", "v1.0.0", at); got != "plugins/demo-plugin/20260506T070809Z-v1.0.0.zip" {
		t.Errorf("Unexpected key %s", got)
	}
	if got := ArchiveKey("demo-plugin", "", at); got != "plugins/demo-plugin/20260506T070809Z-unversioned.zip" {
		t.Errorf("Unexpected key %s", got)
	}
	if got := ArchiveKey("../x", "a/b", at); strings.Contains(got, "../") || strings.Count(got, "/") != 2 {
		t.Errorf("Key was not sanitized: %s", got)
	}
}

func TestNew(t *testing.T) {
	store, err := New(context.Background(), Config{Type: "none"})
	if err != nil || store != nil {
		t.Errorf("Expected nil store for type none, got %v, %v", store, err)
	}

	store, err = New(context.Background(), Config{Type: "filesystem", FilesystemRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := store.(*FileSystemStore); !ok {
		t.Errorf("Expected *FileSystemStore, got %T", store)
	}

	if _, err := New(context.Background(), Config{Type: "ftp"}); err == nil {
		t.Error("Expected error for unknown type")
	}
}
