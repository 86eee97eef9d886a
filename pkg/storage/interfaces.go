package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when an archive does not exist
var ErrNotFound = errors.New("archive not found")

// ArchiveStore retains snapshots of installed plugin trees
type ArchiveStore interface {
	// Put stores content under key, replacing any previous object
	Put(ctx context.Context, key string, content io.Reader, contentType string) error
	// Get opens an archive. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error

	HealthCheck(ctx context.Context) error
}

// Config for the archive backend
type Config struct {
	Type string // "filesystem", "s3" or "none"

	// Filesystem config
	FilesystemRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string

	// Retention keeps this many archives per plugin; zero keeps all
	Retention int
	Timeout   time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:           "filesystem",
		FilesystemRoot: "/var/lib/plugd/archives",
		S3Region:       "us-east-1",
		Retention:      5,
		Timeout:        30 * time.Second,
	}
}

// New creates the archive store selected by cfg.Type. Type "none" returns nil.
func New(ctx context.Context, cfg Config) (ArchiveStore, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "filesystem":
		return NewFileSystemStore(cfg.FilesystemRoot)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive store type %q", cfg.Type)
	}
}

// ArchiveKey is the object key of one installed version. Keys of a plugin sort
// by install time.
func ArchiveKey(pluginID, version string, at time.Time) string {
	return path.Join(PluginPrefix(pluginID), fmt.Sprintf("%s-%s.zip", at.UTC().Format("20060102T150405Z"), sanitize(version)))
}

// PluginPrefix is the key prefix shared by all archives of a plugin
func PluginPrefix(pluginID string) string {
	return path.Join("plugins", sanitize(pluginID)) + "/"
}

func sanitize(s string) string {
	if s == "" {
		return "unversioned"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// Prune deletes the oldest archives of a plugin so that at most keep remain
func Prune(ctx context.Context, store ArchiveStore, pluginID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	keys, err := store.List(ctx, PluginPrefix(pluginID))
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(keys)-removed > keep {
		if err := store.Delete(ctx, keys[removed]); err != nil {
			return removed, fmt.Errorf("failed to delete archive %s: %w", keys[removed], err)
		}
		removed++
	}
	return removed, nil
}
