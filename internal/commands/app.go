// Package commands implements the CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/output"
)

func appFrom(cmd *cobra.Command) (*appctx.App, error) {
	app := appctx.FromContext(cmd.Context())
	if app == nil {
		return nil, fmt.Errorf("app not initialized")
	}
	return app, nil
}

// services returns the app and its opened services.
func services(cmd *cobra.Command) (*appctx.App, *appctx.Services, error) {
	app, err := appFrom(cmd)
	if err != nil {
		return nil, nil, err
	}
	svc, err := app.Services(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return app, svc, nil
}

func requireBackend(svc *appctx.Services) error {
	if svc.Backend == nil {
		return output.ErrConfig("backend_url is not set", "Set backend_url in config, CRMSYNC_BACKEND_URL, or pass --backend-url")
	}
	return nil
}

// interactive reports whether prompts can be shown.
func interactive(app *appctx.App) bool {
	if app.Flags.JSON || app.Flags.Quiet || app.Flags.JQ != "" {
		return false
	}
	return term.IsTerminal(os.Stdin.Fd()) && term.IsTerminal(os.Stdout.Fd())
}

// confirm asks before a destructive action. Non-interactive sessions must
// pass --force instead.
func confirm(app *appctx.App, title string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if !interactive(app) {
		return false, output.ErrUsageHint(title, "Pass --force to confirm non-interactively")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description("This action cannot be undone.").
		Affirmative("Yes, I'm sure").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
