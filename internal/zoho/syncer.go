package zoho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/token"
)

// Credentials is the part of token.Manager the syncer needs.
type Credentials interface {
	Get() *token.Credential
	Refresh(ctx context.Context) (string, error)
}

// Enqueuer records an operation for later retry.
type Enqueuer interface {
	Enqueue(payload queue.Payload, kind queue.Kind, cause error) queue.Item
}

// SyncerOptions wires a Syncer.
type SyncerOptions struct {
	Client *Client
	Tokens Credentials
	State  *StateStore // optional; receives loaded documents
	Queue  Enqueuer    // optional; receives retryable failures from Push and Pull
	Logger *slog.Logger
}

// Syncer runs CRM operations with the current credential and retries once
// with a refreshed one when the CRM answers 401. It also replays queue items.
type Syncer struct {
	client *Client
	tokens Credentials
	state  *StateStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Client == nil || opts.Tokens == nil {
		panic("zoho: SyncerOptions.Client and Tokens are required")
	}
	s := &Syncer{
		client: opts.Client,
		tokens: opts.Tokens,
		state:  opts.State,
		queue:  opts.Queue,
		logger: opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// withCredential runs op with the current credential. On ErrNeedsRefresh it
// refreshes exactly once and runs op again; any second failure is returned.
func (s *Syncer) withCredential(ctx context.Context, op func(*token.Credential) error) error {
	cred := s.tokens.Get()
	if cred == nil {
		return output.ErrAuth("Not signed in to Zoho")
	}

	err := op(cred)
	if !errors.Is(err, ErrNeedsRefresh) {
		return err
	}

	s.logger.Info("access token rejected, refreshing")
	if _, rerr := s.tokens.Refresh(ctx); rerr != nil {
		return &output.Error{
			Code:    output.CodeAuth,
			Message: "Zoho session expired and could not be refreshed",
			Hint:    "Run: crmsync auth login",
			Cause:   errors.Join(err, rerr),
		}
	}
	fresh := s.tokens.Get()
	if fresh == nil {
		return output.ErrAuth("Credential disappeared after refresh")
	}
	return op(fresh)
}

// Sync writes rec to the CRM.
func (s *Syncer) Sync(ctx context.Context, rec Record) (Result, error) {
	var result Result
	err := s.withCredential(ctx, func(cred *token.Credential) error {
		var err error
		result, err = s.client.Sync(ctx, rec, cred)
		return err
	})
	return result, err
}

// Load reads the state document of a CRM record; nil when there is none.
func (s *Syncer) Load(ctx context.Context, recordID string) (json.RawMessage, error) {
	var doc json.RawMessage
	err := s.withCredential(ctx, func(cred *token.Credential) error {
		var err error
		doc, err = s.client.Load(ctx, recordID, cred)
		return err
	})
	return doc, err
}

// Push syncs rec and queues it when the failure is worth retrying. The
// returned bool reports whether it was queued.
func (s *Syncer) Push(ctx context.Context, rec Record) (Result, bool, error) {
	result, err := s.Sync(ctx, rec)
	if err == nil {
		return result, false, nil
	}
	return result, s.enqueue(rec, queue.KindSync, err), err
}

// Pull loads a record into local state and queues the load on a retryable
// failure.
func (s *Syncer) Pull(ctx context.Context, recordID string) (json.RawMessage, bool, error) {
	doc, err := s.Load(ctx, recordID)
	if err != nil {
		return nil, s.enqueue(Record{SubjectID: recordID, RecordID: recordID}, queue.KindLoad, err), err
	}
	if doc != nil && s.state != nil {
		if serr := s.state.Save(recordID, doc); serr != nil {
			s.logger.Warn("failed to save loaded state", "record", recordID, "error", serr)
		}
	}
	return doc, false, nil
}

func (s *Syncer) enqueue(rec Record, kind queue.Kind, cause error) bool {
	if s.queue == nil || !output.IsRetryable(cause) {
		return false
	}
	payload, err := rec.Payload()
	if err != nil {
		s.logger.Warn("cannot queue record", "record", rec.RecordID, "error", err)
		return false
	}
	s.queue.Enqueue(payload, kind, cause)
	return true
}

// Execute replays a queued operation. It implements queue.Executor.
func (s *Syncer) Execute(ctx context.Context, item queue.Item) error {
	rec, err := RecordFromPayload(item.Payload)
	if err != nil {
		return err
	}

	switch item.Kind {
	case queue.KindSync:
		_, err = s.Sync(ctx, rec)
		return err
	case queue.KindLoad:
		doc, err := s.Load(ctx, rec.RecordID)
		if err != nil {
			return err
		}
		if doc != nil && s.state != nil {
			return s.state.Save(rec.RecordID, doc)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", item.Kind)
	}
}
