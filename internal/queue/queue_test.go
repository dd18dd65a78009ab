package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/crmsync/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExecutor struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
	seen  []Item
}

func (f *fakeExecutor) Execute(_ context.Context, item Item) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, item)
	return f.err
}

func noJitter() time.Duration { return 0 }

func newTestQueue(t *testing.T, store storage.Store, exec Executor, clock *fakeClock) *Queue {
	t.Helper()
	return New(Options{
		Store:    store,
		Executor: exec,
		Now:      clock.Now,
		Jitter:   noJitter,
	})
}

func payload(subject string) Payload {
	return Payload{SubjectID: subject, Data: json.RawMessage(`{"recordId":"` + subject + `"}`)}
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, cfg.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRandomJitterStaysBelowLimit(t *testing.T) {
	jitter := randomJitter(time.Second)
	for range 200 {
		j := jitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, time.Second)
	}
	assert.Zero(t, randomJitter(0)())
}

func TestEnqueueNewItem(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeExecutor{}, clock)

	item := q.Enqueue(payload("lead-1"), KindSync, errors.New("boom"))

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "boom", item.LastError)
	assert.Equal(t, KindSync, item.Kind)
	assert.Equal(t, clock.Now(), item.CreatedAt)
	assert.Equal(t, clock.Now().Add(5*time.Second), item.NextRetryAt)

	s := q.Status()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, 5*time.Second, s.NextRetryIn)
}

func TestEnqueueDedupesBySubjectAndKind(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeExecutor{}, clock)

	first := q.Enqueue(payload("lead-1"), KindSync, errors.New("first"))
	second := q.Enqueue(payload("lead-1"), KindSync, errors.New("second"))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, "second", second.LastError)
	assert.Equal(t, clock.Now().Add(10*time.Second), second.NextRetryAt)
	require.Len(t, q.Items(), 1)

	// Different kind or subject is a separate item
	q.Enqueue(payload("lead-1"), KindLoad, errors.New("x"))
	q.Enqueue(payload("lead-2"), KindSync, errors.New("x"))
	assert.Len(t, q.Items(), 3)
}

func TestRetryScenario(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{err: errors.New("still failing")}
	q := newTestQueue(t, storage.NewMemoryStore(), exec, clock)
	start := clock.Now()

	item := q.Enqueue(payload("lead-1"), KindSync, errors.New("network"))
	assert.Equal(t, start.Add(5*time.Second), item.NextRetryAt)

	// Not yet due
	q.Process(context.Background())
	assert.Equal(t, int32(0), exec.calls.Load())

	clock.Advance(5 * time.Second)
	q.Process(context.Background())
	assert.Equal(t, int32(1), exec.calls.Load())

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, "still failing", items[0].LastError)
	assert.Equal(t, clock.Now().Add(10*time.Second), items[0].NextRetryAt)

	clock.Advance(10 * time.Second)
	q.Process(context.Background())
	assert.Equal(t, int32(2), exec.calls.Load())

	assert.Empty(t, q.Items())
	s := q.Status()
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, 1, s.Failed)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, item.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, clock.Now(), failed[0].AbandonedAt)
}

func TestNextRetryBounded(t *testing.T) {
	clock := newFakeClock()
	q := New(Options{
		Store:  storage.NewMemoryStore(),
		Now:    clock.Now,
		Jitter: func() time.Duration { return 10 * time.Second }, // clamped to MaxJitter
		Config: Config{MaxAttempts: 100},
	})

	var item Item
	for range 20 {
		item = q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	}
	assert.LessOrEqual(t, item.NextRetryAt.Sub(clock.Now()), 5*time.Minute+time.Second)
	assert.GreaterOrEqual(t, item.NextRetryAt.Sub(clock.Now()), 5*time.Minute)
}

func TestProcessAbandonsItemsAtCeilingRegardlessOfSchedule(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewMemoryStore()
	exec := &fakeExecutor{}

	// Another process left an exhausted item scheduled far in the future
	stale := []Item{{
		ID:          "stale",
		Payload:     payload("lead-9"),
		Kind:        KindSync,
		CreatedAt:   clock.Now(),
		Attempts:    3,
		LastError:   "gave up",
		NextRetryAt: clock.Now().Add(time.Hour),
	}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Set(StorageKey, data))

	q := newTestQueue(t, store, exec, clock)
	assert.Equal(t, 1, q.Status().Failed, "exhausted items count as failed before a pass")

	q.Process(context.Background())

	assert.Equal(t, int32(0), exec.calls.Load())
	assert.Empty(t, q.Items())
	require.Len(t, q.Failed(), 1)
	assert.Equal(t, "stale", q.Failed()[0].ID)
}

func TestProcessSuccessRemovesItem(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{}
	q := newTestQueue(t, storage.NewMemoryStore(), exec, clock)

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	q.Enqueue(payload("lead-2"), KindLoad, errors.New("x"))
	clock.Advance(5 * time.Second)

	q.Process(context.Background())

	assert.Equal(t, int32(2), exec.calls.Load())
	assert.Empty(t, q.Items())
	assert.Equal(t, Status{}, q.Status())
}

func TestQueuePersistsAcrossInstances(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewFileStore(t.TempDir())

	a := newTestQueue(t, store, &fakeExecutor{}, clock)
	item := a.Enqueue(payload("lead-1"), KindSync, errors.New("x"))

	b := newTestQueue(t, storage.NewFileStore(store.Dir()), &fakeExecutor{}, clock)
	items := b.Items()
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.JSONEq(t, string(item.Payload.Data), string(items[0].Payload.Data))

	// A removal in b is seen by a
	assert.True(t, b.Remove(item.ID))
	assert.Empty(t, a.Items())
}

func TestProcessSkippedWhileOffline(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{}
	q := newTestQueue(t, storage.NewMemoryStore(), exec, clock)

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	clock.Advance(time.Minute)

	q.SetOnline(false)
	assert.False(t, q.Online())
	q.Process(context.Background())
	assert.Equal(t, int32(0), exec.calls.Load())

	q.SetOnline(true)
	q.Process(context.Background())
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRemoveClearAndClearFailed(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{err: errors.New("x")}
	q := New(Options{
		Store:    storage.NewMemoryStore(),
		Executor: exec,
		Now:      clock.Now,
		Jitter:   noJitter,
		Config:   Config{MaxAttempts: 2},
	})

	doomed := q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	clock.Advance(5 * time.Second)
	q.Process(context.Background())
	require.Len(t, q.Failed(), 1)

	q.Enqueue(payload("lead-2"), KindSync, errors.New("x"))
	assert.False(t, q.Remove("nope"))

	q.ClearFailed()
	assert.Empty(t, q.Failed())
	assert.Len(t, q.Items(), 1)
	assert.False(t, q.Remove(doomed.ID))

	q.Clear()
	assert.Empty(t, q.Items())
}

func TestRetryAllNow(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{}
	q := newTestQueue(t, storage.NewMemoryStore(), exec, clock)

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	q.RetryAllNow(context.Background())

	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Empty(t, q.Items())
}

func TestOnChange(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeExecutor{}, clock)

	var mu sync.Mutex
	var got []Status
	unsubscribe := q.OnChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	unsubscribe()
	q.Clear()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Total)
	assert.Equal(t, 1, got[1].Pending)
}

func TestNextWake(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeExecutor{}, clock)

	assert.Equal(t, 30*time.Second, q.NextWake())

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	assert.Equal(t, 5*time.Second, q.NextWake())

	clock.Advance(10 * time.Second)
	assert.Zero(t, q.NextWake())
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	exec := &fakeExecutor{}
	q := New(Options{Store: storage.NewMemoryStore(), Executor: exec, Jitter: noJitter})

	// Already due
	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	q.RetryAllNow(context.Background())
	require.Equal(t, int32(1), exec.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWaitsWhileOffline(t *testing.T) {
	clock := newFakeClock()
	var reads atomic.Int32
	exec := &fakeExecutor{}
	q := New(Options{
		Store:    storage.NewMemoryStore(),
		Executor: exec,
		Now: func() time.Time {
			reads.Add(1)
			return clock.Now()
		},
		Jitter: noJitter,
	})

	q.Enqueue(payload("lead-1"), KindSync, errors.New("x"))
	clock.Advance(time.Minute)
	q.SetOnline(false)
	assert.Equal(t, 30*time.Second, q.NextWake())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	assert.Less(t, reads.Load(), int32(50), "Run must block while offline")
	assert.Equal(t, int32(0), exec.calls.Load())

	// Coming back online wakes Run without waiting out the interval.
	q.SetOnline(true)
	assert.Eventually(t, func() bool { return exec.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClearKeepsFailedListFromOtherInstances(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewMemoryStore()
	first := newTestQueue(t, store, &fakeExecutor{}, clock)
	first.Enqueue(payload("lead-1"), KindSync, errors.New("x"))

	second := newTestQueue(t, store, &fakeExecutor{}, clock)
	for range 3 {
		second.Enqueue(payload("lead-2"), KindSync, errors.New("x"))
	}
	second.Process(context.Background())
	require.Len(t, second.Failed(), 1)

	first.Clear()

	assert.Empty(t, second.Items())
	assert.Len(t, second.Failed(), 1)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(Status{Total: 2, Pending: 1, Failed: 1, NextRetryIn: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":2,"pending":1,"failed":1,"next_retry_in_ms":1500}`, string(data))

	data, err = json.Marshal(Status{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":0,"pending":0,"failed":0}`, string(data))
}

func TestItemJSONFieldNames(t *testing.T) {
	item := Item{ID: "1", Payload: payload("lead-1"), Kind: KindLoad, Attempts: 1}
	data, err := json.Marshal(item)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "load", raw["operationKind"])
	assert.NotContains(t, raw, "nextRetryAt")
	assert.Contains(t, raw, "payload")
}

func TestNetworkMonitorReportsTransitions(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	m := NewNetworkMonitor(MonitorOptions{Reachable: func(context.Context) bool { return online.Load() }})

	var got []bool
	record := func(v bool) { got = append(got, v) }

	m.Check(context.Background(), record)
	m.Check(context.Background(), record)
	online.Store(false)
	m.Check(context.Background(), record)
	assert.False(t, m.Online())
	online.Store(true)
	m.Check(context.Background(), record)

	assert.Equal(t, []bool{true, false, true}, got)
}

func TestNetworkMonitorDrivesQueue(t *testing.T) {
	q := New(Options{Store: storage.NewMemoryStore(), Executor: &fakeExecutor{}})
	m := NewNetworkMonitor(MonitorOptions{Reachable: func(context.Context) bool { return false }})

	m.Check(context.Background(), q.SetOnline)
	assert.False(t, q.Online())
}
