package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/status"
	"github.com/basecamp/crmsync/internal/zoho"
)

// pushDebounce coalesces bursts of writes to the watched file.
const pushDebounce = 2 * time.Second

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var recordID, file, subject string
	var noMonitor bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the credential fresh and drain the retry queue",
		Long: `Run in the foreground until interrupted.

The credential is refreshed five minutes before it expires, the retry queue
is processed whenever an item is due, and connectivity is checked so the queue
pauses while offline. A status line is printed on every change.

With --record and --file the file is watched and pushed to the record after
every change. On exit the file is saved locally and handed to the backend's
beacon endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, svc, err := services(cmd)
			if err != nil {
				return err
			}
			if (recordID == "") != (file == "") {
				return output.ErrUsage("--record and --file go together")
			}
			if recordID != "" {
				if err := zoho.ValidateRecordID(recordID); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc.Tokens.Start()

			renderer := output.NewRenderer(os.Stderr, false)
			var printMu sync.Mutex
			var last string
			ind := status.New(status.Options{
				Tokens: svc.Tokens,
				Queue:  svc.Queue,
				OnUpdate: func(s status.Snapshot) {
					line := s.Render(renderer)
					printMu.Lock()
					defer printMu.Unlock()
					if line != last {
						last = line
						fmt.Fprintln(os.Stderr, line)
					}
				},
			})
			defer ind.Close()

			var wg sync.WaitGroup
			wg.Go(func() { _ = svc.Queue.Run(ctx) })

			if !noMonitor {
				monitor := queue.NewNetworkMonitor(queue.MonitorOptions{
					Addr:   dialAddr(app.Config.APIBase),
					Logger: app.Logger,
				})
				wg.Go(func() {
					monitor.Run(ctx, func(online bool) {
						svc.Queue.SetOnline(online)
						ind.SetOnline(online)
					})
				})
			}

			if recordID != "" {
				w := &fileSyncer{app: app, svc: svc, recordID: recordID, subject: subject, path: file}
				if err := w.start(ctx, &wg); err != nil {
					return err
				}
			}

			app.Logger.Info("running", "state_dir", app.Config.StateDir)
			<-ctx.Done()
			wg.Wait()

			if recordID != "" {
				unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rec, err := readRecord(file, subject, recordID)
				if err != nil {
					return err
				}
				if err := zoho.Unload(unloadCtx, svc.Records, svc.Beacon, rec, svc.Tokens); err != nil {
					return err
				}
			}
			return app.OK(ind.Snapshot(), output.WithSummary("Stopped"))
		},
	}

	cmd.Flags().StringVar(&recordID, "record", "", "CRM record to keep in sync with --file")
	cmd.Flags().StringVar(&file, "file", "", "State document to watch")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject the document belongs to (default: the record ID)")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "Assume the network is always up")

	return cmd
}

func readRecord(path, subject, recordID string) (zoho.Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: user-supplied path is the point
	if err != nil {
		return zoho.Record{}, err
	}
	return zoho.NewRecord(subject, recordID, data), nil
}

// fileSyncer pushes a file to a record whenever it changes.
type fileSyncer struct {
	app      *appctx.App
	svc      *appctx.Services
	recordID string
	subject  string
	path     string
}

func (f *fileSyncer) start(ctx context.Context, wg *sync.WaitGroup) error {
	abs, err := filepath.Abs(f.path)
	if err != nil {
		return err
	}
	f.path = abs

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return err
	}

	wg.Go(func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(pushDebounce)
				} else {
					timer.Reset(pushDebounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.app.Logger.Warn("file watch error", "path", abs, "error", err)
			case <-fire:
				fire = nil
				f.push(ctx)
			}
		}
	})
	return nil
}

func (f *fileSyncer) push(ctx context.Context) {
	rec, err := readRecord(f.path, f.subject, f.recordID)
	if err != nil {
		f.app.Logger.Warn("cannot read state document", "path", f.path, "error", err)
		return
	}
	if err := f.svc.Records.Save(rec.RecordID, rec.Data); err != nil {
		f.app.Logger.Warn("state document rejected", "path", f.path, "error", err)
		return
	}
	result, queued, err := f.svc.Syncer.Push(ctx, rec)
	switch {
	case err == nil:
		f.app.Logger.Info("synced", "record", result.RecordID, "completion", rec.Completion)
	case queued:
		f.app.Logger.Warn("sync failed, queued for retry", "record", rec.RecordID, "error", err)
	default:
		f.app.Logger.Error("sync failed", "record", rec.RecordID, "error", err)
	}
}
