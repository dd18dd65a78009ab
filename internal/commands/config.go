package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/config"
	"github.com/basecamp/crmsync/internal/output"
)

// NewConfigCmd creates the config command.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Long: `Show the effective crmsync configuration.

Configuration is loaded from multiple sources with the following precedence:
  flags > env > local > global > system > defaults

Config locations:
  - System: /etc/crmsync/config.yaml
  - Global: ~/.config/crmsync/config.yaml
  - Local:  .crmsync/config.yaml

Every key can also be set with a CRMSYNC_ environment variable, for example
CRMSYNC_BACKEND_URL. A local config cannot change api_base, auth_url,
token_url, backend_url or redis_url.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	cmd.AddCommand(newConfigShowCmd(), newConfigGetCmd(), newConfigPathCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  "Display the current effective configuration with source information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}
}

func runConfigShow(cmd *cobra.Command) error {
	app, err := appFrom(cmd)
	if err != nil {
		return err
	}
	entries := app.Config.Entries()
	return app.OK(entries, output.WithSummary(fmt.Sprintf("%d setting(s)", len(entries))))
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			v, ok := app.Config.Get(args[0])
			if !ok {
				return output.ErrUsageHint("unknown config key: "+args[0], "Known keys: "+strings.Join(config.Keys(), ", "))
			}
			return app.OK(config.Entry{Key: args[0], Value: v, Source: app.Config.Source(args[0])},
				output.WithSummary(v))
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show where configuration and state live",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			paths := map[string]string{
				"system":    "/etc/crmsync/config.yaml",
				"global":    filepath.Join(config.GlobalConfigDir(), "config.yaml"),
				"local":     filepath.Join(".crmsync", "config.yaml"),
				"state_dir": app.Config.StateDir,
			}
			return app.OK(paths, output.WithSummary(paths["global"]))
		},
	}
}
