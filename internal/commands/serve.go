package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/backend"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/zoho"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var addr string
	var envFiles []string
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the token backend",
		Long: `Run the HTTP backend that holds the Zoho client secret.

  POST /api/zoho/token        exchange an authorization code (PKCE)
  POST /api/zoho/refresh      refresh an access token
  POST /api/zoho/beacon-sync  accept a final state write on shutdown (202)
  GET  /healthz

Secrets are read from ZOHO_CLIENT_ID, ZOHO_CLIENT_SECRET, ZOHO_REDIRECT_URI,
ZOHO_TOKEN_URL and ZOHO_REFRESH_TOKEN, optionally loaded from .env files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if err := backend.LoadEnv(envFiles...); err != nil {
				return output.ErrConfig("cannot read env file", err.Error())
			}

			cfg := backend.ConfigFromEnv()
			if cfg.ClientID == "" {
				cfg.ClientID = app.Config.ClientID
			}
			if cfg.RedirectURI == "" {
				cfg.RedirectURI = app.Config.RedirectURI
			}
			if cfg.TokenURL == "" {
				cfg.TokenURL = app.Config.TokenURL
			}
			cfg.CRM = zoho.Config{
				APIBase:    app.Config.APIBase,
				Module:     app.Config.Module,
				StateField: app.Config.DiscoveryField,
			}
			cfg.AllowOrigins = origins

			srv, err := backend.New(cfg, nil, app.Logger)
			if err != nil {
				return output.ErrConfig("backend is not configured", err.Error())
			}

			if addr == "" {
				addr = app.Config.ListenAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Logger.Info("backend listening", "addr", addr)
			return srv.Start(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: listen_addr from config)")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files to load before reading ZOHO_* variables")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Origins allowed to post beacons (default: any)")
	return cmd
}
