package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

var errAttemptRunning = errors.New("installation still running")

func newInstallCommand(opts *options) *cobra.Command {
	var (
		req      lifecycle.InstallRequest
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "install <repository-url>",
		Short: "Install a plugin from its repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RepositoryURL = args[0]
			c := newClient(opts)

			var accepted api.InstallAccepted
			if err := c.do(cmd.Context(), "POST", "/plugins/install", req, &accepted); err != nil {
				return err
			}
			if !wait {
				return printResult(cmd, opts, accepted, "installation %s accepted\n", accepted.InstallationID)
			}

			attempt, err := waitForAttempt(cmd.Context(), c, accepted.InstallationID, interval)
			if err != nil {
				return err
			}
			if err := printResult(cmd, opts, attempt, "%s %s: %s %s\n", attempt.Operation, attempt.ID, attempt.PluginID, attempt.Status); err != nil {
				return err
			}
			if attempt.Status != plugins.AttemptSucceeded {
				return fmt.Errorf("installation %s %s: %s", attempt.ID, attempt.Status, attempt.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Version, "version", "", "release tag (default branch when empty)")
	cmd.Flags().BoolVar(&req.Force, "force", false, "update the plugin when it is already installed")
	cmd.Flags().BoolVar(&req.AutoUpdate, "auto-update", false, "apply newer releases automatically")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the installation to finish")
	cmd.Flags().DurationVar(&interval, "poll-interval", time.Second, "installation status poll interval")
	return cmd
}

// waitForAttempt polls an installation until it leaves the accepted and
// running states or ctx ends
func waitForAttempt(ctx context.Context, c *client, id string, interval time.Duration) (*plugins.InstallationAttempt, error) {
	var attempt plugins.InstallationAttempt
	poll := func() error {
		if err := c.do(ctx, "GET", "/installations/"+url.PathEscape(id), nil, &attempt); err != nil {
			return backoff.Permanent(err)
		}
		switch attempt.Status {
		case plugins.AttemptAccepted, plugins.AttemptRunning:
			return errAttemptRunning
		}
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func printResult(cmd *cobra.Command, opts *options, v interface{}, format string, args ...interface{}) error {
	if opts.output == "json" {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), format, args...)
	return err
}
