package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "PLUGD_TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "PLUGD_TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"1", false, true},
		{"false", true, false},
		{"yes", true, false},
		{"", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("PLUGD_TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("PLUGD_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers covers the int, int64, float and duration helpers
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("PLUGD_TEST_INT", "42")
	t.Setenv("PLUGD_TEST_BAD", "forty-two")
	t.Setenv("PLUGD_TEST_DURATION", "90s")
	t.Setenv("PLUGD_TEST_FLOAT", "0.25")

	if got := getEnvInt("PLUGD_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("PLUGD_TEST_BAD", 1); got != 1 {
		t.Errorf("getEnvInt() with invalid value = %d, want default 1", got)
	}
	if got := getEnvInt64("PLUGD_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt64() = %d, want 42", got)
	}
	if got := getEnvFloat("PLUGD_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvFloat("PLUGD_TEST_BAD", 1); got != 1 {
		t.Errorf("getEnvFloat() with invalid value = %v, want default 1", got)
	}
	if got := getEnvDuration("PLUGD_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("PLUGD_TEST_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() with invalid value = %v, want default 1s", got)
	}
}

func TestLoadLifecycleConfig(t *testing.T) {
	t.Setenv("PLUGD_PLUGINS_DIR", "/srv/plugins")
	t.Setenv("PLUGD_LOCK_WAIT", "3s")

	cfg := loadLifecycleConfig()
	if cfg.PluginsDir != "/srv/plugins" {
		t.Errorf("PluginsDir = %s", cfg.PluginsDir)
	}
	if cfg.StagingDir != filepath.Join("/srv/plugins", ".staging") {
		t.Errorf("StagingDir should default under the plugins dir, got %s", cfg.StagingDir)
	}
	if cfg.LockWait != 3*time.Second {
		t.Errorf("LockWait = %v, want 3s", cfg.LockWait)
	}
	if cfg.Workers != 4 || cfg.FetchTimeout != 2*time.Minute {
		t.Errorf("unexpected defaults: workers=%d fetch=%v", cfg.Workers, cfg.FetchTimeout)
	}
}

func TestLoadArchiveConfig(t *testing.T) {
	t.Setenv("PLUGD_ARCHIVE_TYPE", "s3")
	t.Setenv("PLUGD_S3_BUCKET", "plugd-archives")
	t.Setenv("PLUGD_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("PLUGD_S3_USE_PATH_STYLE", "true")
	t.Setenv("PLUGD_ARCHIVE_RETENTION", "2")

	cfg := loadArchiveConfig()
	if cfg.Type != "s3" || cfg.S3Bucket != "plugd-archives" {
		t.Errorf("unexpected archive config %+v", cfg)
	}
	if !cfg.S3UsePathStyle {
		t.Error("expected path style addressing")
	}
	if cfg.Retention != 2 {
		t.Errorf("Retention = %d, want 2", cfg.Retention)
	}
	if cfg.S3Region != "us-east-1" {
		t.Errorf("S3Region should keep its default, got %s", cfg.S3Region)
	}
}

func TestLoadMonitorConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadMonitorConfig()
		if err != nil {
			t.Fatalf("loadMonitorConfig() error = %v", err)
		}
		if cfg.Policy.ScoreFloor != 85 {
			t.Errorf("ScoreFloor = %d, want 85", cfg.Policy.ScoreFloor)
		}
	})

	t.Run("policy file with env override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		data := "score_floor: 70\nwindow_threshold: 9\npenalties:\n  critical: 40\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("PLUGD_POLICY_FILE", path)
		t.Setenv("PLUGD_VIOLATION_THRESHOLD", "3")

		cfg, err := loadMonitorConfig()
		if err != nil {
			t.Fatalf("loadMonitorConfig() error = %v", err)
		}
		if cfg.Policy.ScoreFloor != 70 {
			t.Errorf("ScoreFloor = %d, want 70 from file", cfg.Policy.ScoreFloor)
		}
		if cfg.Policy.WindowThreshold != 3 {
			t.Errorf("WindowThreshold = %d, want env override 3", cfg.Policy.WindowThreshold)
		}
		if got := cfg.Policy.Penalty(plugins.SeverityCritical); got != 40 {
			t.Errorf("critical penalty = %d, want 40", got)
		}
		if got := cfg.Policy.Penalty(plugins.SeverityHigh); got != 10 {
			t.Errorf("high penalty = %d, want default 10", got)
		}
	})

	t.Run("missing policy file", func(t *testing.T) {
		t.Setenv("PLUGD_POLICY_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		if _, err := loadMonitorConfig(); err == nil {
			t.Error("expected error for missing policy file")
		}
	})
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	monitorCfg, err := loadMonitorConfig()
	if err != nil {
		t.Fatal(err)
	}
	return &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Lifecycle:     loadLifecycleConfig(),
		Archive:       loadArchiveConfig(),
		GitHub:        loadGitHubConfig(),
		Monitor:       monitorCfg,
		Schedule:      loadScheduleConfig(),
		Validation:    loadValidationConfig(),
		Observability: loadObservabilityConfig(),
	}
}

// TestConfigValidate tests configuration validation
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"missing port", func(c *Config) { c.Server.Port = "" }, true},
		{"no workers", func(c *Config) { c.Lifecycle.Workers = 0 }, true},
		{"negative lock wait", func(c *Config) { c.Lifecycle.LockWait = -time.Second }, true},
		{"no archives", func(c *Config) { c.Archive.Type = "none" }, false},
		{"s3 without bucket", func(c *Config) { c.Archive.Type = "s3"; c.Archive.S3Bucket = "" }, true},
		{"unknown archive type", func(c *Config) { c.Archive.Type = "ftp" }, true},
		{"zero rate window", func(c *Config) { c.Monitor.BridgeRate.Window = 0 }, true},
		{"rate limit disabled", func(c *Config) { c.Monitor.BridgeRate = monitor.RateLimitConfig{} }, false},
		{"bad cron spec", func(c *Config) { c.Schedule.UpdateCheck = "every hour" }, true},
		{"disabled job", func(c *Config) { c.Schedule.StagingCleanup = "" }, false},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }, true},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, true},
		{"bad policy", func(c *Config) { c.Monitor.Policy.WindowThreshold = 0 }, true},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfig tests loading the full configuration from the environment
func TestLoadConfig(t *testing.T) {
	t.Setenv("PLUGD_PORT", "9000")
	t.Setenv("PLUGD_ARCHIVE_TYPE", "none")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Address() != "0.0.0.0:9000" {
		t.Errorf("Address() = %s", cfg.Address())
	}

	t.Setenv("PLUGD_LOG_FORMAT", "xml")
	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() should fail validation for an invalid log format")
	}
}
