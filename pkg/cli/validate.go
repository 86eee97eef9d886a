package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func newValidateCommand(opts *options) *cobra.Command {
	var (
		dir         string
		repoPrefix  string
		hostVersion string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a plugin manifest and source tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validatorOpts := []plugins.ValidatorOption{plugins.WithRepositoryPrefix(repoPrefix)}
			if hostVersion != "" {
				validatorOpts = append(validatorOpts, plugins.WithHostVersion(hostVersion))
			}
			validator := plugins.NewValidator(opts.logger, validatorOpts...)

			manifest, verrs, err := loadManifest(validator, dir)
			if err != nil {
				return err
			}
			if manifest != nil {
				verrs = append(verrs, validator.ValidateTree(manifest, dir)...)
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := writeJSON(out, map[string]interface{}{
					"valid":  !plugins.HasErrors(verrs),
					"errors": verrs,
				}); err != nil {
					return err
				}
			} else {
				for _, e := range verrs {
					fmt.Fprintf(out, "%-7s %s: %s\n", e.Severity, e.Field, e.Message)
				}
			}

			if plugins.HasErrors(verrs) {
				return fmt.Errorf("manifest in %s is invalid", dir)
			}
			if opts.output == "text" {
				fmt.Fprintf(out, "%s@%s is valid\n", manifest.ID, manifest.Version)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "plugin source directory")
	cmd.Flags().StringVar(&repoPrefix, "repository-prefix", plugins.DefaultRepositoryPrefix, "required repository URL prefix")
	cmd.Flags().StringVar(&hostVersion, "host-version", "", "dashboard version host_version constraints are checked against")
	return cmd
}

func loadManifest(validator *plugins.Validator, dir string) (*plugins.Manifest, []plugins.ValidationError, error) {
	raw, err := plugins.ReadManifestFromDir(dir)
	if err != nil {
		return nil, nil, err
	}
	manifest, verrs := validator.ParseManifest(raw)
	return manifest, verrs, nil
}
