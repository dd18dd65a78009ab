package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/status"
)

// NewQueueCmd creates the queue command group.
func NewQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the retry queue",
		Long: `Inspect and manage the retry queue.

Failed CRM writes and loads wait here and are retried with exponential
backoff by "crmsync run". An item that fails three times is moved to the
failed list.`,
	}
	cmd.AddCommand(
		newQueueStatusCmd(),
		newQueueListCmd(),
		newQueueRetryCmd(),
		newQueueRemoveCmd(),
		newQueueClearCmd(),
	)
	return cmd
}

func queueSummary(s queue.Status) string {
	if s.Total == 0 && s.Failed == 0 {
		return "Retry queue is empty"
	}
	summary := fmt.Sprintf("%d pending, %d failed", s.Pending, s.Failed)
	if s.NextRetryIn > 0 {
		summary += ", next retry in " + status.FormatDuration(s.NextRetryIn)
	}
	return summary
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			s := svc.Queue.Status()
			return app.OK(s, output.WithSummary(queueSummary(s)))
		},
	}
}

type queueRow struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Subject     string `json:"subject"`
	Kind        string `json:"kind"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

func rowFor(it queue.Item, state string) queueRow {
	row := queueRow{
		ID:        it.ID,
		State:     state,
		Subject:   it.Payload.SubjectID,
		Kind:      string(it.Kind),
		Attempts:  it.Attempts,
		LastError: it.LastError,
	}
	if !it.NextRetryAt.IsZero() && state == "pending" {
		row.NextRetryAt = it.NextRetryAt.Format(time.RFC3339)
	}
	return row
}

func newQueueListCmd() *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			rows := []queueRow{}
			if !failedOnly {
				for _, it := range svc.Queue.Items() {
					rows = append(rows, rowFor(it, "pending"))
				}
			}
			for _, a := range svc.Queue.Failed() {
				rows = append(rows, rowFor(a.Item, "failed"))
			}
			return app.OK(rows, output.WithSummary(fmt.Sprintf("%d operation(s)", len(rows))))
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only list operations that ran out of attempts")
	return cmd
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry every pending operation now",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			before := svc.Queue.Status()
			svc.Queue.RetryAllNow(cmd.Context())
			after := svc.Queue.Status()
			return app.OK(map[string]any{
				"attempted": before.Pending,
				"remaining": after.Pending,
				"failed":    after.Failed,
			}, output.WithSummary(fmt.Sprintf("Retried %d operation(s): %s", before.Pending, queueSummary(after))))
		},
	}
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one operation, pending or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			if !svc.Queue.Remove(args[0]) {
				return output.ErrNotFound("queue item", args[0])
			}
			return app.OK(map[string]string{"removed": args[0]}, output.WithSummary("Removed "+args[0]))
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	var failed, all, force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop pending operations",
		Long:  "Drop pending operations. --failed drops the failed list instead; --all drops both.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			what := "pending operations"
			switch {
			case all:
				what = "all queued and failed operations"
			case failed:
				what = "failed operations"
			}
			ok, err := confirm(app, "Drop "+what+"?", force)
			if err != nil {
				return err
			}
			if !ok {
				return app.OK(map[string]bool{"cleared": false}, output.WithSummary("Nothing dropped"))
			}

			if all || !failed {
				svc.Queue.Clear()
			}
			if all || failed {
				svc.Queue.ClearFailed()
			}
			return app.OK(map[string]bool{"cleared": true}, output.WithSummary("Dropped "+what))
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "Drop the failed list")
	cmd.Flags().BoolVar(&all, "all", false, "Drop pending and failed operations")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	return cmd
}
