// Package cli wires the crmsync command tree.
package cli

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/commands"
	"github.com/basecamp/crmsync/internal/config"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:           "crmsync",
		Short:         "Keep a Zoho CRM credential fresh and sync state to CRM records",
		Long:          "crmsync signs in to Zoho CRM, shares the credential across processes, and writes state documents to CRM records with retry.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				StateDir:   flags.StateDir,
				BackendURL: flags.BackendURL,
			})
			if err != nil {
				return err
			}

			app := appctx.NewApp(cfg)
			app.Flags = flags
			if err := app.ApplyFlags(); err != nil {
				return err
			}

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
	}

	// Allow flags anywhere in the command line
	cmd.Flags().SetInterspersed(true)
	cmd.PersistentFlags().SetInterspersed(true)

	// Output format flags
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Output data only, no envelope")
	cmd.PersistentFlags().BoolVar(&flags.Styled, "styled", false, "Force styled output (ANSI colors)")
	cmd.PersistentFlags().StringVar(&flags.JQ, "jq", "", "Filter JSON output with a jq expression")

	// Context flags
	cmd.PersistentFlags().StringVar(&flags.StateDir, "state-dir", "", "Directory for the credential, queue and local state")
	cmd.PersistentFlags().StringVar(&flags.BackendURL, "backend-url", "", "Token backend base URL")

	// Behavior flags
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output (-v for info, -vv for debug)")

	return cmd
}

// Execute runs the root command.
func Execute() {
	cmd := NewRootCmd()

	cmd.AddCommand(commands.NewAuthCmd())
	cmd.AddCommand(commands.NewSyncCmd())
	cmd.AddCommand(commands.NewQueueCmd())
	cmd.AddCommand(commands.NewStatusCmd())
	cmd.AddCommand(commands.NewRunCmd())
	cmd.AddCommand(commands.NewServeCmd())
	cmd.AddCommand(commands.NewConfigCmd())

	// Use ExecuteC to get the executed command (for correct context access)
	executedCmd, err := cmd.ExecuteC()
	var app *appctx.App
	if executedCmd != nil {
		app = appctx.FromContext(executedCmd.Context())
	}
	if app != nil {
		defer app.Close()
	}
	if err == nil {
		return
	}

	err = transformCobraError(err)
	apiErr := output.AsError(err)

	if app != nil {
		_ = app.Err(err)
		app.Close()
		os.Exit(apiErr.ExitCode())
	}

	// Fallback: app not available, e.g. a config error during setup
	_ = fallbackWriter(cmd).Err(err)
	os.Exit(apiErr.ExitCode())
}

func fallbackWriter(cmd *cobra.Command) *output.Writer {
	pf := cmd.PersistentFlags()
	format := output.FormatAuto
	quiet, _ := pf.GetBool("quiet")
	styled, _ := pf.GetBool("styled")
	jsonFlag, _ := pf.GetBool("json")

	switch {
	case quiet:
		format = output.FormatQuiet
	case styled:
		format = output.FormatStyled
	case jsonFlag:
		format = output.FormatJSON
	}

	w, err := output.New(output.Options{Format: format, Writer: os.Stdout})
	if err != nil {
		// Only a bad jq expression fails here, and none is passed.
		w, _ = output.New(output.Options{Format: output.FormatJSON, Writer: os.Stdout})
	}
	return w
}

var shorthandFlagRe = regexp.MustCompile(`unknown shorthand flag: '.' in (-\w)`)

// transformCobraError turns cobra's default error messages into usage errors.
func transformCobraError(err error) error {
	msg := err.Error()

	if strings.HasPrefix(msg, "flag needs an argument: ") {
		flag := strings.TrimPrefix(msg, "flag needs an argument: ")
		return output.ErrUsage(flag + " requires a value")
	}

	if strings.HasPrefix(msg, "unknown flag: ") {
		flag := strings.TrimPrefix(msg, "unknown flag: ")
		return output.ErrUsage("Unknown option: " + flag)
	}

	if strings.HasPrefix(msg, "unknown shorthand flag: ") {
		if matches := shorthandFlagRe.FindStringSubmatch(msg); len(matches) > 1 {
			return output.ErrUsage("Unknown option: " + matches[1])
		}
	}

	if strings.HasPrefix(msg, "unknown command ") {
		return output.ErrUsageHint(msg, "Run crmsync --help for the list of commands")
	}

	if strings.Contains(msg, "invalid argument") {
		return output.ErrUsage(msg)
	}

	// "accepts 1 arg(s), received 0"
	if strings.Contains(msg, "arg(s), received 0") {
		return output.ErrUsage("ID required")
	}
	if strings.Contains(msg, "arg(s), received") {
		return output.ErrUsage(msg)
	}

	return err
}
