package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/storage"
)

// Storage keys.
const (
	StorageKey = "zoho_retry_queue"
	FailedKey  = "zoho_retry_failed"
)

// Executor replays one queued operation.
type Executor interface {
	Execute(ctx context.Context, item Item) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item Item) error

func (f ExecutorFunc) Execute(ctx context.Context, item Item) error { return f(ctx, item) }

// Options configures a Queue.
type Options struct {
	Store    storage.Store
	Executor Executor
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time
	Jitter   func() time.Duration
}

// Queue is the durable retry queue. Every mutation starts from the persisted
// record and writes it back; several processes may share one record, with
// the last writer winning.
type Queue struct {
	store    storage.Store
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	jitter   func() time.Duration

	mu        sync.Mutex
	items     []Item
	abandoned []Abandoned
	online    bool

	passMu sync.Mutex // one processing pass at a time

	lmu       sync.Mutex
	listeners map[int]func(Status)
	nextID    int

	kick chan struct{}
}

// New creates a queue and loads the persisted record.
func New(opts Options) *Queue {
	if opts.Store == nil {
		panic("queue: Options.Store is required")
	}
	q := &Queue{
		store:     opts.Store,
		executor:  opts.Executor,
		cfg:       opts.Config.withDefaults(),
		logger:    opts.Logger,
		now:       opts.Now,
		jitter:    opts.Jitter,
		online:    true,
		listeners: make(map[int]func(Status)),
		kick:      make(chan struct{}, 1),
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.jitter == nil {
		q.jitter = randomJitter(q.cfg.MaxJitter)
	}

	q.mu.Lock()
	q.reloadLocked()
	q.mu.Unlock()
	return q
}

// Config returns the retry policy in effect.
func (q *Queue) Config() Config {
	return q.cfg
}

// nextRetry computes when retry number attempts is due.
func (q *Queue) nextRetry(attempts int) time.Time {
	jitter := min(max(q.jitter(), 0), q.cfg.MaxJitter)
	return q.now().Add(q.cfg.Backoff(attempts) + jitter)
}

// Enqueue records a failed operation. A second failure for the same subject
// and kind updates the existing item instead of adding another.
func (q *Queue) Enqueue(payload Payload, kind Kind, cause error) Item {
	q.mu.Lock()
	q.reloadLocked()

	var item Item
	idx := q.indexLocked(payload.SubjectID, kind)
	if idx >= 0 {
		existing := &q.items[idx]
		existing.Attempts++
		existing.Payload = payload
		existing.LastError = errorString(cause)
		existing.NextRetryAt = q.nextRetry(existing.Attempts)
		item = existing.clone()
	} else {
		item = Item{
			ID:        uuid.NewString(),
			Payload:   payload,
			Kind:      kind,
			CreatedAt: q.now(),
			Attempts:  1,
			LastError: errorString(cause),
		}
		item.NextRetryAt = q.nextRetry(item.Attempts)
		q.items = append(q.items, item)
		item = item.clone()
	}
	q.saveLocked()
	status := q.statusLocked()
	q.mu.Unlock()

	q.logger.Info("queued for retry",
		"subject", payload.SubjectID, "kind", kind, "attempts", item.Attempts,
		"next_retry_at", item.NextRetryAt, "error", item.LastError)
	q.notify(status)
	q.wake()
	return item
}

// Remove deletes an item, pending or abandoned, by ID.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	q.reloadLocked()

	found := false
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		for i := range q.abandoned {
			if q.abandoned[i].ID == id {
				q.abandoned = append(q.abandoned[:i], q.abandoned[i+1:]...)
				found = true
				break
			}
		}
	}
	if found {
		q.saveLocked()
	}
	status := q.statusLocked()
	q.mu.Unlock()

	if found {
		q.notify(status)
	}
	return found
}

// Clear drops every pending item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.reloadLocked()
	q.items = nil
	q.saveLocked()
	status := q.statusLocked()
	q.mu.Unlock()
	q.notify(status)
}

// ClearFailed forgets abandoned items.
func (q *Queue) ClearFailed() {
	q.mu.Lock()
	q.reloadLocked()
	q.abandoned = nil
	q.saveLocked()
	status := q.statusLocked()
	q.mu.Unlock()
	q.notify(status)
}

// Status summarizes the persisted queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reloadLocked()
	return q.statusLocked()
}

func (q *Queue) statusLocked() Status {
	now := q.now()
	s := Status{Total: len(q.items), Failed: len(q.abandoned)}
	var next time.Time
	for _, it := range q.items {
		if it.Attempts >= q.cfg.MaxAttempts {
			s.Failed++
			continue
		}
		s.Pending++
		if it.NextRetryAt.After(now) && (next.IsZero() || it.NextRetryAt.Before(next)) {
			next = it.NextRetryAt
		}
	}
	if !next.IsZero() {
		s.NextRetryIn = next.Sub(now)
	}
	return s
}

// Items returns copies of the pending items.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reloadLocked()

	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// Failed returns the abandoned items.
func (q *Queue) Failed() []Abandoned {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reloadLocked()

	out := make([]Abandoned, len(q.abandoned))
	for i, a := range q.abandoned {
		out[i] = Abandoned{Item: a.Item.clone(), AbandonedAt: a.AbandonedAt}
	}
	return out
}

// RetryAllNow makes every pending item due and runs a pass.
func (q *Queue) RetryAllNow(ctx context.Context) {
	q.mu.Lock()
	q.reloadLocked()
	now := q.now()
	for i := range q.items {
		q.items[i].NextRetryAt = now
	}
	q.saveLocked()
	q.mu.Unlock()

	q.Process(ctx)
}

// SetOnline pauses processing while offline; going online triggers a pass
// in Run.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()

	if !changed {
		return
	}
	if online {
		q.logger.Info("network restored, processing retry queue")
		q.wake()
	} else {
		q.logger.Info("network lost, pausing retry queue")
	}
}

// Online reports whether processing is enabled.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

type outcome struct {
	id  string
	err error
}

// Process runs one pass: items at the attempt ceiling are abandoned, due
// items are replayed, and the queue is written back.
func (q *Queue) Process(ctx context.Context) {
	if q.executor == nil {
		return
	}
	q.passMu.Lock()
	defer q.passMu.Unlock()

	q.mu.Lock()
	if !q.online {
		q.mu.Unlock()
		q.logger.Debug("offline, skipping retry pass")
		return
	}
	q.reloadLocked()
	now := q.now()

	var ready []Item
	kept := q.items[:0:0]
	for _, it := range q.items {
		switch {
		case it.Attempts >= q.cfg.MaxAttempts:
			q.abandonLocked(it, now)
		case it.NextRetryAt.IsZero() || !it.NextRetryAt.After(now):
			ready = append(ready, it.clone())
			kept = append(kept, it)
		default:
			kept = append(kept, it)
		}
	}
	q.items = kept
	if len(ready) == 0 {
		q.saveLocked()
		status := q.statusLocked()
		q.mu.Unlock()
		q.notify(status)
		return
	}
	q.mu.Unlock()

	results := make([]outcome, 0, len(ready))
	for _, it := range ready {
		if ctx.Err() != nil {
			break
		}
		err := q.executor.Execute(ctx, it)
		results = append(results, outcome{id: it.ID, err: err})
	}

	q.mu.Lock()
	q.reloadLocked()
	now = q.now()
	for _, r := range results {
		idx := q.indexByIDLocked(r.id)
		if idx < 0 {
			continue // removed while we were working
		}
		if r.err == nil {
			q.logger.Info("retry succeeded", "subject", q.items[idx].Payload.SubjectID, "kind", q.items[idx].Kind)
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			continue
		}
		it := &q.items[idx]
		it.Attempts++
		it.LastError = errorString(r.err)
		if it.Attempts >= q.cfg.MaxAttempts {
			abandoned := *it
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.abandonLocked(abandoned, now)
			continue
		}
		it.NextRetryAt = q.nextRetry(it.Attempts)
		q.logger.Warn("retry failed",
			"subject", it.Payload.SubjectID, "kind", it.Kind, "attempts", it.Attempts,
			"next_retry_at", it.NextRetryAt, "error", it.LastError)
	}
	q.saveLocked()
	status := q.statusLocked()
	q.mu.Unlock()

	q.notify(status)
}

func (q *Queue) abandonLocked(it Item, now time.Time) {
	err := output.ErrPermanent("queued "+string(it.Kind)+" abandoned after max attempts", errors.New(it.LastError))
	q.logger.Error(err.Message,
		"subject", it.Payload.SubjectID, "attempts", it.Attempts, "last_error", it.LastError)
	q.abandoned = append(q.abandoned, Abandoned{Item: it, AbandonedAt: now})
}

// NextWake returns how long Run sleeps before the next pass: until the
// earliest pending retry, bounded by the fixed interval. While offline it is
// the full interval; going online wakes Run early.
func (q *Queue) NextWake() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait := q.cfg.Interval
	if !q.online {
		return wait
	}
	now := q.now()
	for _, it := range q.items {
		if it.Attempts >= q.cfg.MaxAttempts {
			return 0
		}
		wait = min(wait, max(0, it.NextRetryAt.Sub(now)))
	}
	return wait
}

// Run processes the queue until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Process(ctx)

		timer := time.NewTimer(q.NextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-q.kick:
			timer.Stop()
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// OnChange registers fn with the current status and after every change.
func (q *Queue) OnChange(fn func(Status)) (unsubscribe func()) {
	q.lmu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.lmu.Unlock()

	fn(q.Status())

	return func() {
		q.lmu.Lock()
		defer q.lmu.Unlock()
		delete(q.listeners, id)
	}
}

func (q *Queue) notify(s Status) {
	q.lmu.Lock()
	fns := make([]func(Status), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.lmu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (q *Queue) indexLocked(subjectID string, kind Kind) int {
	for i, it := range q.items {
		if it.matches(subjectID, kind) {
			return i
		}
	}
	return -1
}

func (q *Queue) indexByIDLocked(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// reloadLocked replaces the in-memory view with the persisted record. A
// missing record is an empty queue; an unreadable one keeps what we have.
func (q *Queue) reloadLocked() {
	items, err := load[[]Item](q.store, StorageKey)
	if err != nil {
		q.logger.Warn("retry queue unreadable, keeping in-memory copy", "error", err)
	} else {
		q.items = items
	}

	abandoned, err := load[[]Abandoned](q.store, FailedKey)
	if err != nil {
		q.logger.Warn("abandoned list unreadable, keeping in-memory copy", "error", err)
	} else {
		q.abandoned = abandoned
	}
}

func (q *Queue) saveLocked() {
	if err := save(q.store, StorageKey, q.items); err != nil {
		q.logger.Error("failed to save retry queue", "error", err)
	}
	if err := save(q.store, FailedKey, q.abandoned); err != nil {
		q.logger.Error("failed to save abandoned list", "error", err)
	}
}

func load[T any](s storage.Store, key string) (T, error) {
	var v T
	data, err := s.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return v, nil
		}
		return v, err
	}
	err = json.Unmarshal(data, &v)
	return v, err
}

func save[T any](s storage.Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, data)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
