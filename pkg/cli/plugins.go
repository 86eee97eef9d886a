package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

func newListCommand(opts *options) *cobra.Command {
	var status, pluginType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if pluginType != "" {
				query.Set("type", pluginType)
			}
			path := "/plugins"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var list api.PluginList
			if err := newClient(opts).do(cmd.Context(), "GET", path, nil, &list); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tTYPE\tSTATUS\tSCORE\tVIOLATIONS")
			for _, rec := range list.Plugins {
				version, kind := "-", "-"
				if rec.Manifest != nil {
					version, kind = rec.Manifest.Version, string(rec.Manifest.Type)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", rec.ID, version, kind, rec.Status, rec.SecurityScore, rec.ViolationCount)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&pluginType, "type", "", "filter by plugin type")
	return cmd
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <plugin-id>",
		Short: "Show a plugin record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail map[string]interface{}
			if err := newClient(opts).do(cmd.Context(), "GET", "/plugins/"+url.PathEscape(args[0]), nil, &detail); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), detail)
		},
	}
}

func newUpdateCommand(opts *options) *cobra.Command {
	var (
		body       api.UpdatePluginRequest
		autoUpdate string
	)

	cmd := &cobra.Command{
		Use:   "update <plugin-id>",
		Short: "Update a plugin to a release, rolling back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if autoUpdate != "" {
				v, err := strconv.ParseBool(autoUpdate)
				if err != nil {
					return fmt.Errorf("invalid --auto-update value %q", autoUpdate)
				}
				body.AutoUpdate = &v
			}

			var result lifecycle.Result
			if err := newClient(opts).do(cmd.Context(), "PUT", "/plugins/"+url.PathEscape(args[0])+"/update", body, &result); err != nil {
				return err
			}
			if err := printOperation(cmd, opts, &result); err != nil {
				return err
			}
			if result.Outcome == plugins.AttemptRolledBack {
				return fmt.Errorf("update rolled back: %s", result.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&body.TargetVersion, "version", "", "target release (latest when empty)")
	cmd.Flags().BoolVar(&body.Force, "force", false, "reinstall even when already on the target version")
	cmd.Flags().StringVar(&autoUpdate, "auto-update", "", "set the auto-update flag (true or false)")
	return cmd
}

func newUninstallCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <plugin-id>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result lifecycle.Result
			if err := newClient(opts).do(cmd.Context(), "DELETE", "/plugins/"+url.PathEscape(args[0]), nil, &result); err != nil {
				return err
			}
			return printOperation(cmd, opts, &result)
		},
	}
}

func newEnableCommand(opts *options) *cobra.Command {
	var resetScore bool

	cmd := &cobra.Command{
		Use:   "enable <plugin-id>",
		Short: "Re-enable a disabled plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/plugins/" + url.PathEscape(args[0]) + "/enable"
			if resetScore {
				path += "?reset_score=true"
			}
			var rec plugins.Record
			if err := newClient(opts).do(cmd.Context(), "POST", path, nil, &rec); err != nil {
				return err
			}
			return printResult(cmd, opts, rec, "%s %s (score %d)\n", rec.ID, rec.Status, rec.SecurityScore)
		},
	}

	cmd.Flags().BoolVar(&resetScore, "reset-score", false, "restore the security score to its maximum")
	return cmd
}

func newDisableCommand(opts *options) *cobra.Command {
	var body api.DisableRequest

	cmd := &cobra.Command{
		Use:   "disable <plugin-id>",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec plugins.Record
			if err := newClient(opts).do(cmd.Context(), "POST", "/plugins/"+url.PathEscape(args[0])+"/disable", body, &rec); err != nil {
				return err
			}
			return printResult(cmd, opts, rec, "%s %s\n", rec.ID, rec.Status)
		},
	}

	cmd.Flags().StringVar(&body.Reason, "reason", "", "reason recorded on the plugin")
	return cmd
}

func newViolationsCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "violations <plugin-id>",
		Short: "List a plugin's recorded security violations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/plugins/%s/security/violations?limit=%d", url.PathEscape(args[0]), limit)
			var list api.ViolationList
			if err := newClient(opts).do(cmd.Context(), "GET", path, nil, &list); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSEVERITY\tTYPE\tDESCRIPTION")
			for _, v := range list.Violations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Timestamp.Format("2006-01-02 15:04:05"), v.Severity, v.Type, v.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum violations to show (1-100)")
	return cmd
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health <plugin-id>",
		Short: "Show a plugin's runtime health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var health monitor.Health
			if err := newClient(opts).do(cmd.Context(), "GET", "/plugins/"+url.PathEscape(args[0])+"/health", nil, &health); err != nil {
				return err
			}
			return printResult(cmd, opts, health, "%s %s (score %d)\n", health.PluginID, health.Status, health.SecurityScore)
		},
	}
}

func printOperation(cmd *cobra.Command, opts *options, result *lifecycle.Result) error {
	if opts.output == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s (%s)\n", result.PluginID, result.Outcome, result.Status)
	if result.PreviousVersion != "" {
		fmt.Fprintf(out, "version %s -> %s\n", result.PreviousVersion, result.Version)
	}
	if result.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", result.Reason)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning %s: %s\n", w.Field, w.Message)
	}
	return nil
}
