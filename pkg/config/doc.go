// Package config loads the plugd server configuration from PLUGD_*
// environment variables with defaults for every setting.
//
// Server:
//
//	PLUGD_HOST="0.0.0.0"
//	PLUGD_PORT="8080"
//	PLUGD_SHUTDOWN_TIMEOUT="30s"
//
// Registry and window backends (memory when unset):
//
//	PLUGD_POSTGRES_URL="postgres://plugd@localhost/plugd?sslmode=disable"
//	PLUGD_REDIS_URL="localhost:6379"
//
// Lifecycle:
//
//	PLUGD_PLUGINS_DIR="/var/lib/plugd/plugins"
//	PLUGD_INSTALL_WORKERS="4"
//	PLUGD_LOCK_WAIT="0s"
//	PLUGD_GITHUB_TOKEN="..."
//
// Source archives:
//
//	PLUGD_ARCHIVE_TYPE="filesystem"  # none, filesystem, s3
//	PLUGD_S3_BUCKET="plugd-archives"
//	PLUGD_ARCHIVE_RETENTION="5"
//
// Monitoring:
//
//	PLUGD_POLICY_FILE="/etc/plugd/policy.yaml"
//	PLUGD_SCORE_FLOOR="85"
//	PLUGD_AUDIT_DIR="/var/log/plugd"
//
// Scheduling (robfig/cron specs, empty disables):
//
//	PLUGD_UPDATE_CHECK_SCHEDULE="@every 1h"
//	PLUGD_STAGING_CLEANUP_SCHEDULE="@every 15m"
//
// Observability:
//
//	PLUGD_LOG_LEVEL="info"
//	PLUGD_LOG_FORMAT="json"
//	PLUGD_OTEL_ENABLED="false"
//	PLUGD_OTEL_ENDPOINT="localhost:4317"
package config
