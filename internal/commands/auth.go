package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/auth"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/token"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage Zoho authentication",
		Long:  "Sign in to Zoho CRM, inspect the stored credential, refresh it, or sign out.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthRefreshCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var noBrowser bool
	var returnURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to Zoho",
		Long: `Start the authorization-code flow with PKCE.

A browser opens on the Zoho consent page. The redirect lands on a loopback
server on redirect_uri, the code is exchanged through the backend, and the
credential is shared with every other crmsync process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			if err := requireBackend(svc); err != nil {
				return err
			}

			flow, err := auth.NewFlow(auth.FlowOptions{
				Config: auth.Config{
					AuthURL:     app.Config.AuthURL,
					ClientID:    app.Config.ClientID,
					RedirectURI: app.Config.RedirectURI,
					Scope:       app.Config.Scope,
				},
				Exchanger: svc.Backend,
				Tokens:    svc.Tokens,
				Logger:    app.Logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr, "Starting Zoho authentication...")
			back, err := flow.Login(cmd.Context(), auth.LoginOptions{
				ReturnURL: returnURL,
				NoBrowser: noBrowser,
				Out:       os.Stderr,
			})
			if err != nil {
				return err
			}

			result := map[string]any{"status": "signed_in"}
			if back != "" {
				result["return_url"] = back
			}
			if err := svc.Client.Validate(cmd.Context(), svc.Tokens.Get()); err != nil {
				app.Logger.Warn("signed in, but the CRM did not accept the credential", "error", err)
				result["validated"] = false
			} else {
				result["validated"] = true
			}
			return app.OK(result, output.WithSummary("Signed in to Zoho"))
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	cmd.Flags().StringVar(&returnURL, "return-url", "", "Location to report once signed in")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		Long:  "Remove the stored credential. Every running crmsync process signs out too.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			svc.Tokens.Clear()
			return app.OK(map[string]string{"status": "signed_out"}, output.WithSummary("Signed out of Zoho"))
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			cred := svc.Tokens.Get()
			if cred == nil {
				return app.OK(map[string]any{"authenticated": false},
					output.WithSummary("Not signed in"),
					output.WithBreadcrumbs(output.Breadcrumb{Action: "login", Cmd: "crmsync auth login", Description: "Sign in to Zoho"}))
			}

			expiresIn := svc.Tokens.TimeUntilExpiry()
			status := map[string]any{
				"authenticated":     true,
				"valid":             svc.Tokens.IsValid(),
				"expires_at":        cred.ExpiresAt.Format(time.RFC3339),
				"expires_in":        expiresIn.Round(time.Second).String(),
				"has_refresh_token": cred.RefreshToken != "",
			}
			if cred.Scope != "" {
				status["scope"] = cred.Scope
			}

			summary := "Signed in"
			if !svc.Tokens.IsValid() {
				summary = "Signed in, token expiring"
			}
			return app.OK(status, output.WithSummary(summary))
		},
	}
}

func newAuthRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		Long:  "Exchange the stored refresh token for a new access token through the backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			if err := requireBackend(svc); err != nil {
				return err
			}

			if _, err := svc.Tokens.Refresh(cmd.Context()); err != nil {
				if errors.Is(err, token.ErrNoRefreshToken) {
					return output.ErrAuth("No refresh token stored")
				}
				return err
			}
			return app.OK(map[string]any{
				"status":     "refreshed",
				"expires_in": svc.Tokens.TimeUntilExpiry().Round(time.Second).String(),
			}, output.WithSummary("Token refreshed"))
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the access token",
		Long: `Print the current access token for use with other tools. A token
inside the refresh margin is refreshed first when a refresh token is stored.

Examples:
  curl -H "Authorization: Zoho-oauthtoken $(crmsync auth token)" ...
  crmsync auth token --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			cred := svc.Tokens.Get()
			if cred == nil {
				return output.ErrAuth("Not signed in to Zoho")
			}
			accessToken := cred.AccessToken
			if !svc.Tokens.IsValid() && cred.RefreshToken != "" && svc.Backend != nil {
				if fresh, err := svc.Tokens.Refresh(cmd.Context()); err == nil {
					accessToken = fresh
				} else {
					app.Logger.Warn("refresh before printing token failed", "error", err)
				}
			}

			// Raw token by default so it works in shell substitution.
			if app.Flags.JSON || app.Flags.JQ != "" {
				return app.OK(map[string]string{"token": accessToken})
			}
			fmt.Println(accessToken)
			return nil
		},
	}
}
