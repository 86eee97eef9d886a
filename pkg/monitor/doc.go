// Package monitor enforces policy on running plugins.
//
// Every host-API call a plugin makes crosses the Bridge and is decided by
// Monitor.Intercept against the permission engine. The decision is synchronous;
// the access-log entry and, for denials, the security violation are processed
// afterwards on a per-plugin lane so a noisy plugin cannot slow down others.
//
// Each violation lowers the plugin's security score by a fixed penalty per
// severity (Critical 25, High 10, Medium 5, Low 1 by default). When more
// violations than the threshold land inside the sliding window, or the score
// drops below the floor, the plugin is moved from Installed to Disabled with a
// compare-and-swap on its status and calls stop being routed.
//
// Windows are kept in memory or in Redis sorted sets when several instances
// share a registry. The IntegrityWatcher uses fsnotify to detect installed
// files that change outside of the lifecycle manager.
package monitor
