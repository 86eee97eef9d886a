package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/source"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database and cache configuration
	Database DatabaseConfig

	// Lifecycle configuration
	Lifecycle lifecycle.Config

	// Source archive retention
	Archive storage.Config

	// Plugin source hosting
	GitHub source.GitHubConfig
	// MirrorDir serves plugin sources from a local mirror instead of GitHub
	MirrorDir string

	// Monitoring policy and access log
	Monitor MonitorConfig

	// Scheduled jobs
	Schedule ScheduleConfig

	// Validator settings
	Validation ValidationConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// DatabaseConfig selects the registry and window backends. An empty
// PostgresURL keeps the registry in memory, an empty RedisURL keeps the
// violation window in memory.
type DatabaseConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	PostgresTimeout  time.Duration

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// MonitorConfig holds runtime monitor settings
type MonitorConfig struct {
	Policy     monitor.Policy
	PolicyFile string

	// AuditDir enables the rotating JSON file access log
	AuditDir      string
	AuditCapacity int
	// AuditQueue buffers events per audit sink; zero writes synchronously
	AuditQueue int
	// IntegrityDebounce coalesces file events before rehashing a plugin tree
	IntegrityDebounce time.Duration
	BridgeQueue       int
	// HostAPIURL is where bridge calls that pass the permission check are
	// forwarded; empty disables the bridge endpoint
	HostAPIURL string
	// BridgeRate bounds bridge calls per plugin; zero disables the limit
	BridgeRate monitor.RateLimitConfig
}

// ScheduleConfig holds cron specs. An empty spec disables the job.
type ScheduleConfig struct {
	UpdateCheck    string
	StagingCleanup string
	StagingMaxAge  time.Duration
	AuditCleanup   string
	AuditRetention time.Duration
	MetricsRefresh string
}

// ValidationConfig holds manifest validation settings
type ValidationConfig struct {
	// RepositoryPrefix restricts manifest repositories, e.g. https://github.com/
	RepositoryPrefix string
	// HostVersion is matched against manifest host_version constraints
	HostVersion string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Lifecycle:     loadLifecycleConfig(),
		Archive:       loadArchiveConfig(),
		GitHub:        loadGitHubConfig(),
		MirrorDir:     getEnv("PLUGD_MIRROR_DIR", ""),
		Schedule:      loadScheduleConfig(),
		Validation:    loadValidationConfig(),
		Observability: loadObservabilityConfig(),
	}

	monitorCfg, err := loadMonitorConfig()
	if err != nil {
		return nil, err
	}
	cfg.Monitor = monitorCfg

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLUGD_HOST", "0.0.0.0"),
		Port:            getEnv("PLUGD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLUGD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLUGD_WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:     getEnvDuration("PLUGD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLUGD_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("PLUGD_MAX_BODY_BYTES", 1<<20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		PostgresURL:      getEnv("PLUGD_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("PLUGD_POSTGRES_MAX_CONNS", 20),
		PostgresTimeout:  getEnvDuration("PLUGD_POSTGRES_TIMEOUT", 5*time.Second),
		RedisURL:         getEnv("PLUGD_REDIS_URL", ""),
		RedisPassword:    getEnv("PLUGD_REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("PLUGD_REDIS_DB", 0),
		RedisPoolSize:    getEnvInt("PLUGD_REDIS_POOL_SIZE", 10),
	}
}

func loadLifecycleConfig() lifecycle.Config {
	pluginsDir := getEnv("PLUGD_PLUGINS_DIR", "/var/lib/plugd/plugins")
	return lifecycle.Config{
		PluginsDir:       pluginsDir,
		StagingDir:       getEnv("PLUGD_STAGING_DIR", filepath.Join(pluginsDir, ".staging")),
		FetchTimeout:     getEnvDuration("PLUGD_FETCH_TIMEOUT", 2*time.Minute),
		ScanTimeout:      getEnvDuration("PLUGD_SCAN_TIMEOUT", time.Minute),
		LockWait:         getEnvDuration("PLUGD_LOCK_WAIT", 0),
		Workers:          getEnvInt("PLUGD_INSTALL_WORKERS", 4),
		OperationTimeout: getEnvDuration("PLUGD_OPERATION_TIMEOUT", 10*time.Minute),
		ArchiveRetention: getEnvInt("PLUGD_ARCHIVE_RETENTION", 5),
	}
}

// loadArchiveConfig loads archive storage configuration from environment
func loadArchiveConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if archiveType := getEnv("PLUGD_ARCHIVE_TYPE", ""); archiveType != "" {
		cfg.Type = archiveType
	}
	if fsRoot := getEnv("PLUGD_ARCHIVE_ROOT", ""); fsRoot != "" {
		cfg.FilesystemRoot = fsRoot
	}

	// S3 config
	if s3Endpoint := getEnv("PLUGD_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("PLUGD_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	cfg.S3Bucket = getEnv("PLUGD_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("PLUGD_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("PLUGD_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("PLUGD_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("PLUGD_S3_USE_PATH_STYLE", false)

	cfg.Retention = getEnvInt("PLUGD_ARCHIVE_RETENTION", cfg.Retention)
	cfg.Timeout = getEnvDuration("PLUGD_ARCHIVE_TIMEOUT", cfg.Timeout)

	return cfg
}

func loadGitHubConfig() source.GitHubConfig {
	return source.GitHubConfig{
		Token:          getEnv("PLUGD_GITHUB_TOKEN", ""),
		ArchiveBaseURL: getEnv("PLUGD_GITHUB_ARCHIVE_URL", ""),
		APIBaseURL:     getEnv("PLUGD_GITHUB_API_URL", ""),
		MaxArchiveSize: getEnvInt64("PLUGD_MAX_ARCHIVE_SIZE", 50<<20),
		MaxAttempts:    getEnvInt("PLUGD_FETCH_ATTEMPTS", 3),
		InitialBackoff: getEnvDuration("PLUGD_FETCH_BACKOFF", 500*time.Millisecond),
	}
}

func loadMonitorConfig() (MonitorConfig, error) {
	cfg := MonitorConfig{
		Policy:            monitor.DefaultPolicy(),
		PolicyFile:        getEnv("PLUGD_POLICY_FILE", ""),
		AuditDir:          getEnv("PLUGD_AUDIT_DIR", ""),
		AuditCapacity:     getEnvInt("PLUGD_AUDIT_CAPACITY", 10000),
		AuditQueue:        getEnvInt("PLUGD_AUDIT_QUEUE", 1024),
		IntegrityDebounce: getEnvDuration("PLUGD_INTEGRITY_DEBOUNCE", 2*time.Second),
		BridgeQueue:       getEnvInt("PLUGD_BRIDGE_QUEUE", 64),
		HostAPIURL:        getEnv("PLUGD_HOST_API_URL", ""),
		BridgeRate: monitor.RateLimitConfig{
			CallsPerWindow: getEnvInt("PLUGD_BRIDGE_RATE", 600),
			Window:         getEnvDuration("PLUGD_BRIDGE_RATE_WINDOW", time.Minute),
			Burst:          getEnvInt("PLUGD_BRIDGE_RATE_BURST", 60),
		},
	}

	if cfg.PolicyFile != "" {
		policy, err := monitor.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to load monitoring policy: %w", err)
		}
		cfg.Policy = policy
	}

	// Environment overrides win over the policy file
	cfg.Policy.ScoreFloor = getEnvInt("PLUGD_SCORE_FLOOR", cfg.Policy.ScoreFloor)
	cfg.Policy.Window = getEnvDuration("PLUGD_VIOLATION_WINDOW", cfg.Policy.Window)
	cfg.Policy.WindowThreshold = getEnvInt("PLUGD_VIOLATION_THRESHOLD", cfg.Policy.WindowThreshold)
	cfg.Policy.LaneIdle = getEnvDuration("PLUGD_LANE_IDLE", cfg.Policy.LaneIdle)

	return cfg, nil
}

func loadScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		UpdateCheck:    getEnv("PLUGD_UPDATE_CHECK_SCHEDULE", "@every 1h"),
		StagingCleanup: getEnv("PLUGD_STAGING_CLEANUP_SCHEDULE", "@every 15m"),
		StagingMaxAge:  getEnvDuration("PLUGD_STAGING_MAX_AGE", time.Hour),
		AuditCleanup:   getEnv("PLUGD_AUDIT_CLEANUP_SCHEDULE", "@daily"),
		AuditRetention: getEnvDuration("PLUGD_AUDIT_RETENTION", 30*24*time.Hour),
		MetricsRefresh: getEnv("PLUGD_METRICS_REFRESH_SCHEDULE", "@every 1m"),
	}
}

func loadValidationConfig() ValidationConfig {
	return ValidationConfig{
		RepositoryPrefix: getEnv("PLUGD_REPOSITORY_PREFIX", "https://github.com/"),
		HostVersion:      getEnv("PLUGD_HOST_VERSION", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("PLUGD_LOG_LEVEL", "info"),
		LogFormat:          getEnv("PLUGD_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("PLUGD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLUGD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLUGD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLUGD_OTEL_SERVICE_NAME", "plugd"),
		OTelServiceVersion: getEnv("PLUGD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PLUGD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PLUGD_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.Lifecycle.PluginsDir == "" {
		return fmt.Errorf("plugins directory is required")
	}
	if c.Lifecycle.Workers < 1 {
		return fmt.Errorf("install workers must be at least 1")
	}
	if c.Lifecycle.LockWait < 0 {
		return fmt.Errorf("lock wait must not be negative")
	}

	switch c.Archive.Type {
	case "", "none":
	case "filesystem":
		if c.Archive.FilesystemRoot == "" {
			return fmt.Errorf("archive root is required for filesystem archives")
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 archives")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, filesystem, or s3)", c.Archive.Type)
	}

	if c.GitHub.MaxAttempts < 1 {
		return fmt.Errorf("fetch attempts must be at least 1")
	}

	if err := c.Monitor.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid monitoring policy: %w", err)
	}
	if c.Monitor.BridgeRate.CallsPerWindow > 0 && c.Monitor.BridgeRate.Window <= 0 {
		return fmt.Errorf("bridge rate window must be positive")
	}

	for name, spec := range map[string]string{
		"update check":    c.Schedule.UpdateCheck,
		"staging cleanup": c.Schedule.StagingCleanup,
		"audit cleanup":   c.Schedule.AuditCleanup,
		"metrics refresh": c.Schedule.MetricsRefresh,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if f := strings.ToLower(c.Observability.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Address returns the listen address of the API server
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
