// Package plugins holds the plugin domain model and the admission checks
// shared by the lifecycle manager, the runtime monitor and plugctl.
//
// # Overview
//
// A plugin is a third-party dashboard extension identified by its manifest
// (plugin.json, or plugin.yaml converted to JSON). Before a plugin is
// installed its manifest is validated, its source tree is scanned and its
// declared capabilities become the grants the permission engine checks at
// runtime.
//
// # Components
//
// Validator: manifest rules (identifier, semantic version, repository
// prefix, entry point, capabilities, host_version constraint) plus the
// config_schema JSON Schema that operator configuration is checked against.
//
// Scanner: regex rules over the source tree, run in parallel. Critical and
// High findings block installation.
//
// PermissionEngine: capability checks against the registry grants with an
// expiring LRU cache.
//
// State table: the allowed status transitions and Busy states.
//
// # Usage Example
//
//	validator := plugins.NewValidator(logger, plugins.WithHostVersion("4.2.0"))
//	raw, err := plugins.ReadManifestFromDir(dir)
//	if err != nil {
//		return err
//	}
//	manifest, verrs := validator.ParseManifest(raw)
//	if plugins.HasErrors(verrs) {
//		return &plugins.ManifestError{Errors: verrs}
//	}
//
//	report, err := plugins.NewScanner(logger).Scan(ctx, dir, manifest)
//	if err != nil {
//		return err
//	}
//	if report.HasBlocking() {
//		return &plugins.BlockingError{Findings: report.Findings}
//	}
//
// # Errors
//
// Sentinels in errors.go classify every failure; ManifestError,
// BlockingError and TransitionError carry the full report and unwrap to
// their sentinel so callers can use errors.Is.
package plugins
