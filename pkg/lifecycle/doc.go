// Package lifecycle installs, updates and removes plugins.
//
// Every operation walks the plugin through the status table in
// plugins/state.go with compare-and-swap transitions on the registry. An
// install fetches the repository into a per-attempt staging directory,
// validates the manifest and tree, scans the source, resolves declared
// dependencies and only then grants capabilities and moves the tree into the
// plugins directory. Updates go through the same checks before the installed
// tree is swapped; a refused update leaves the previous version running.
//
// Operations on the same repository or plugin ID are serialized with keyed
// locks. With a zero lock wait a second request fails at once with
// plugins.ErrInstallConflict.
//
// Basic usage:
//
//	manager, err := lifecycle.New(reg, fetcher, validator, scanner, perms, mon,
//		lifecycle.Config{PluginsDir: "/var/lib/plugd/plugins"}, logger)
//	if err != nil {
//		return err
//	}
//	defer manager.Close(30 * time.Second)
//
//	result, err := manager.Install(ctx, lifecycle.InstallRequest{
//		RepositoryURL: "https://github.com/acme/project-timeline",
//		Version:       "v1.2.0",
//	})
package lifecycle
