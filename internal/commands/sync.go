package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/zoho"
)

// NewSyncCmd creates the sync command group.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Write state to and read state from CRM records",
	}
	cmd.AddCommand(newSyncPushCmd(), newSyncPullCmd())
	return cmd
}

func newSyncPushCmd() *cobra.Command {
	var file, subject string

	cmd := &cobra.Command{
		Use:   "push <record-id>",
		Short: "Write a state document to a CRM record",
		Long: `Write a state document to a CRM record.

The document comes from --file ("-" for stdin), or from the local copy kept
by the last push or pull. It is saved locally before the CRM write. A write
that fails for a transient reason is queued for retry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			recordID := args[0]
			if err := zoho.ValidateRecordID(recordID); err != nil {
				return err
			}

			doc, err := readDocument(cmd.InOrStdin(), file, svc, recordID)
			if err != nil {
				return err
			}
			if err := svc.Records.Save(recordID, doc); err != nil {
				return err
			}

			rec := zoho.NewRecord(subject, recordID, doc)
			result, queued, err := svc.Syncer.Push(cmd.Context(), rec)
			if err != nil && !queued {
				return err
			}
			return reportPush(app, rec, result, queued, err)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `State document to write ("-" for stdin)`)
	cmd.Flags().StringVar(&subject, "subject", "", "Subject the document belongs to (default: the record ID)")

	return cmd
}

func reportPush(app *appctx.App, rec zoho.Record, result zoho.Result, queued bool, cause error) error {
	if queued {
		return app.OK(map[string]any{
			"record_id":  rec.RecordID,
			"completion": rec.Completion,
			"queued":     true,
			"error":      cause.Error(),
		},
			output.WithSummary("Sync failed, queued for retry"),
			output.WithBreadcrumbs(output.Breadcrumb{Action: "queue", Cmd: "crmsync queue status", Description: "Check the retry queue"}))
	}
	return app.OK(map[string]any{
		"record_id":  result.RecordID,
		"completion": rec.Completion,
		"status":     zoho.StatusLabel(rec.Completion),
		"queued":     false,
	}, output.WithSummary(fmt.Sprintf("Synced record %s (%d%% complete)", result.RecordID, rec.Completion)))
}

func readDocument(stdin io.Reader, file string, svc *appctx.Services, recordID string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch file {
	case "":
		data, err = svc.Records.Load(recordID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, output.ErrUsageHint("no local state for record "+recordID, "Pass --file, or pull the record first")
		}
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(file) //nolint:gosec // G304: user-supplied path is the point
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, output.ErrUsage("state document is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newSyncPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <record-id>",
		Short: "Read the state document stored on a CRM record",
		Long: `Read the state document stored on a CRM record and keep it as the local
copy. A load that fails for a transient reason is queued for retry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}

			doc, queued, err := svc.Syncer.Pull(cmd.Context(), args[0])
			if err != nil {
				if queued {
					return app.OK(map[string]any{"record_id": args[0], "queued": true, "error": err.Error()},
						output.WithSummary("Load failed, queued for retry"))
				}
				return err
			}
			if doc == nil {
				return app.OK(map[string]any{"record_id": args[0], "found": false},
					output.WithSummary("No state stored on record "+args[0]))
			}

			var data any
			if err := json.Unmarshal(doc, &data); err != nil {
				return err
			}
			completion := zoho.Progress(doc, zoho.DefaultSectionCount)
			return app.OK(data,
				output.WithSummary(fmt.Sprintf("Loaded record %s (%d%% complete)", args[0], completion)),
				output.WithMeta("record_id", args[0]),
				output.WithMeta("completion", completion))
		},
	}
}
