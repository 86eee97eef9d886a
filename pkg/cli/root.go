package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// options are shared by every subcommand
type options struct {
	server  string
	output  string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewRootCommand creates the plugctl root command
func NewRootCommand(version string) *cobra.Command {
	opts := &options{logger: logrus.New()}

	root := &cobra.Command{
		Use:   "plugctl",
		Short: "plugctl - plugd plugin administration CLI",
		Long: `plugctl validates and scans plugin sources locally and drives a plugd
server: installing, updating, disabling and inspecting plugins.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
			default:
				return fmt.Errorf("unknown output format %q (text, json)", opts.output)
			}
			opts.logger.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}

	server := os.Getenv("PLUGD_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "plugd server URL (env PLUGD_SERVER)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format (text, json)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 6*time.Minute, "request timeout")

	root.AddCommand(
		newValidateCommand(opts),
		newScanCommand(opts),
		newInstallCommand(opts),
		newListCommand(opts),
		newGetCommand(opts),
		newUpdateCommand(opts),
		newUninstallCommand(opts),
		newEnableCommand(opts),
		newDisableCommand(opts),
		newViolationsCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

// Execute runs the root command and returns the process exit code
func Execute(version string) int {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
