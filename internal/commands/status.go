package commands

import (
	"net"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/status"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sign-in and sync status",
		Long:  "Show whether Zoho is connected, how many operations wait for retry, and when the next retry runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			ind := status.New(status.Options{Tokens: svc.Tokens, Queue: svc.Queue})
			defer ind.Close()

			if check {
				monitor := queue.NewNetworkMonitor(queue.MonitorOptions{
					Addr:    dialAddr(app.Config.APIBase),
					Timeout: 3 * time.Second,
					Logger:  app.Logger,
				})
				monitor.Check(cmd.Context(), ind.SetOnline)
			}

			snap := ind.Snapshot()
			return app.OK(snap, output.WithSummary(snap.Line()))
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Check that the CRM is reachable")
	return cmd
}

// dialAddr turns the API base into a host:port for the network monitor.
func dialAddr(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return queue.DefaultCheckAddr
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
