// Package audit records what plugins did and what operators did to them.
//
// # Overview
//
// Every call a plugin makes through the host bridge ends up here as an access
// entry, whether it was allowed or denied. Lifecycle operations (install,
// update, enable, disable, auto-disable, uninstall, configure) are logged as
// lifecycle events, and the HTTP middleware records operator requests against
// the management API.
//
// # Event Types
//
// Access: access.api_call, access.network_request, access.message
// Lifecycle: lifecycle.install, lifecycle.update, lifecycle.uninstall,
// lifecycle.enable, lifecycle.disable, lifecycle.auto_disable, lifecycle.configure
// Operator: operator.api_request
//
// # Destinations
//
// DBLogger persists to PostgreSQL, FileLogger writes rotated NDJSON files,
// LogrusLogger emits structured log lines and MemoryLogger keeps a bounded
// ring for single-node deployments. MultiLogger fans out to several of them,
// optionally through a bounded queue per sink.
//
// # Usage Example
//
//	logger.LogAccess(ctx, audit.EventTypeAPICall, "project-timeline",
//		"read:projects", "/api/v1/projects", audit.EventStatusDenied,
//		"capability not granted")
//
//	entries, err := store.Search(ctx, audit.SearchFilter{
//		PluginID:   "project-timeline",
//		EventTypes: []audit.EventType{audit.EventTypeAPICall},
//		Limit:      50,
//	})
//
// # Retention Policy
//
// Default: 90 days. Cleanup is driven by the server's cron scheduler.
// Export: JSON, CSV, NDJSON formats for external analysis.
package audit
