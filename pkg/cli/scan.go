package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

func newScanCommand(opts *options) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the static security scanner over a plugin source tree",
		Long: `Scan reports every finding in the tree. The command fails when a
critical or high severity finding would block installation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validator := plugins.NewValidator(opts.logger)
			manifest, verrs, err := loadManifest(validator, dir)
			if err != nil {
				return err
			}
			if manifest == nil {
				return &plugins.ManifestError{Errors: verrs}
			}

			report, err := plugins.NewScanner(opts.logger).Scan(cmd.Context(), dir, manifest)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEVERITY\tFILE\tLINE\tDESCRIPTION")
				for _, f := range report.Findings {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.Severity, f.File, f.Line, f.Description)
				}
				tw.Flush()
				fmt.Fprintf(out, "%d files scanned, %d findings\n", report.FilesScanned, len(report.Findings))
			}

			if report.HasBlocking() {
				return fmt.Errorf("%w: %d blocking findings", plugins.ErrSecurityViolationBlocking, len(report.Blocking()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "plugin source directory")
	return cmd
}
