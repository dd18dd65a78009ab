package token

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basecamp/crmsync/internal/output"
)

// ErrNoRefreshToken is returned by Refresh when there is nothing to refresh with.
var ErrNoRefreshToken = errors.New("no refresh token available")

const (
	// refreshTimeout bounds a refresh started by the timer.
	refreshTimeout = 30 * time.Second

	// minRefreshInterval spaces timer-driven refreshes when the backend keeps
	// returning credentials that are already inside the margin.
	minRefreshInterval = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	Store     *Store
	Transport Transport // optional; nil keeps the manager process-local
	Refresher Refresher // optional; nil disables Refresh
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager is the single authority on the current credential for one process.
//
// Writes are last-write-wins across processes. Two managers refreshing at
// the same time both succeed; the later Set wins in storage and the other
// converges through the transport or on its next read.
type Manager struct {
	store     *Store
	transport Transport
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	cached      *Credential
	dirty       bool // cached failed to persist
	timer       *time.Timer
	refreshAt   time.Time
	lastRefresh time.Time
	last        *Event // last event sent or applied
	listeners   map[int]func(Event)
	nextID      int
	unsubscribe func()
	closed      bool
}

// NewManager creates a manager and subscribes it to the transport.
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		panic("token: Options.Store is required")
	}
	m := &Manager{
		store:     opts.Store,
		transport: opts.Transport,
		refresher: opts.Refresher,
		logger:    opts.Logger,
		now:       opts.Now,
		listeners: make(map[int]func(Event)),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.transport != nil {
		m.unsubscribe = m.transport.Subscribe(m.handleRemote)
	}
	return m
}

// Start arms the refresh timer from the stored credential.
func (m *Manager) Start() {
	m.schedule(m.Get())
}

// Set stores c, broadcasts it, and rearms the refresh timer. A storage
// failure is logged; the value stays authoritative in this process.
func (m *Manager) Set(c *Credential) {
	if c == nil {
		m.Clear()
		return
	}
	c = c.Clone()

	m.mu.Lock()
	m.cached = c
	if err := m.store.Save(c); err != nil {
		m.dirty = true
		m.logger.Warn("credential store write failed", "error", err)
	} else {
		m.dirty = false
	}
	m.mu.Unlock()

	m.schedule(c)
	m.broadcast(Event{Type: EventUpdated, Data: c})
}

// Get returns a copy of the current credential, or nil. An expired
// credential is cleared as a side effect.
func (m *Manager) Get() *Credential {
	c := m.load()
	if c == nil {
		return nil
	}
	if c.Expired(m.now()) {
		m.logger.Debug("stored credential expired", "expires_at", c.ExpiresAt)
		m.Clear()
		return nil
	}
	return c.Clone()
}

func (m *Manager) load() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty {
		if err := m.store.Save(m.cached); err == nil {
			m.dirty = false
		}
		return m.cached.Clone()
	}

	c, err := m.store.Load()
	if err != nil {
		m.logger.Warn("credential store read failed", "error", err)
		return nil
	}
	m.cached = c
	return c.Clone()
}

// Clear removes the credential, broadcasts the change, and cancels the timer.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.cached = nil
	m.dirty = false
	if err := m.store.Delete(); err != nil {
		m.logger.Warn("credential store delete failed", "error", err)
	}
	m.mu.Unlock()

	m.schedule(nil)
	m.broadcast(Event{Type: EventCleared})
}

// IsValid reports whether a credential exists with more than RefreshMargin
// left before it expires.
func (m *Manager) IsValid() bool {
	c := m.Get()
	if c == nil {
		return false
	}
	return c.ExpiresAt.Sub(m.now()) > RefreshMargin
}

// TimeUntilExpiry returns how long the current credential has left, or 0.
func (m *Manager) TimeUntilExpiry() time.Duration {
	c := m.Get()
	if c == nil {
		return 0
	}
	return max(0, c.ExpiresAt.Sub(m.now()))
}

// NextRefresh returns when the refresh timer fires, or the zero time.
func (m *Manager) NextRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshAt
}

// Refresh exchanges the stored refresh token for a new access token and
// stores the result, keeping the refresh token unless the backend rotated it.
// On failure it broadcasts token_expired and returns the error; callers
// decide whether to prompt for a new login.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	current := m.Get()
	if current == nil || current.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	if m.refresher == nil {
		return "", output.ErrConfig("token refresh is not configured", "Set backend_url")
	}

	m.mu.Lock()
	m.lastRefresh = m.now()
	m.mu.Unlock()

	grant, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", "error", err)
		m.broadcast(Event{Type: EventExpired})
		return "", err
	}

	next := grant.Credential(m.now())
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = current.Scope
	}
	m.Set(next)
	m.logger.Debug("token refreshed", "expires_at", next.ExpiresAt)
	return next.AccessToken, nil
}

// OnChange registers fn for every local and remote credential event.
// fn must not block.
func (m *Manager) OnChange(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close cancels the timer and detaches from the transport. The transport
// itself is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.refreshAt = time.Time{}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	clear(m.listeners)
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// schedule cancels any pending timer and, if c can be refreshed, arms a new
// one RefreshMargin before expiry (immediately when already inside it).
func (m *Manager) schedule(c *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.refreshAt = time.Time{}

	if m.closed || c == nil || c.RefreshToken == "" {
		return
	}

	now := m.now()
	delay := max(0, c.ExpiresAt.Sub(now)-RefreshMargin)
	if !m.lastRefresh.IsZero() {
		delay = max(delay, m.lastRefresh.Add(minRefreshInterval).Sub(now))
	}

	m.refreshAt = now.Add(delay)
	m.timer = time.AfterFunc(delay, m.onTimer)
}

func (m *Manager) onTimer() {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrNoRefreshToken) {
		m.logger.Warn("scheduled refresh failed", "error", err)
		// Retry no sooner than minRefreshInterval while the credential lasts.
		m.schedule(m.Get())
	}
}

// broadcast publishes ev to other processes and notifies local listeners.
func (m *Manager) broadcast(ev Event) {
	m.mu.Lock()
	m.last = &Event{Type: ev.Type, Data: ev.Data.Clone()}
	m.mu.Unlock()

	if m.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.transport.Publish(ctx, ev); err != nil {
			m.logger.Warn("credential broadcast failed", "type", ev.Type, "error", err)
		}
		cancel()
	}
	m.notify(ev)
}

// handleRemote applies an event published by another process. An event
// matching the last one sent or applied here carries no news and is dropped:
// storage-change transports report our own writes back, and a Multi
// transport can deliver the same change twice.
func (m *Manager) handleRemote(ev Event) {
	m.mu.Lock()
	if m.last != nil && m.last.Type == ev.Type && m.last.Data.Equal(ev.Data) {
		m.mu.Unlock()
		return
	}
	m.last = &Event{Type: ev.Type, Data: ev.Data.Clone()}
	m.mu.Unlock()

	switch ev.Type {
	case EventUpdated:
		if ev.Data == nil {
			return
		}
		c := ev.Data.Clone()
		m.mu.Lock()
		m.cached = c
		m.dirty = false
		m.mu.Unlock()
		m.schedule(c)
	case EventCleared:
		m.mu.Lock()
		m.cached = nil
		m.dirty = false
		m.mu.Unlock()
		m.schedule(nil)
	case EventExpired:
	default:
		m.logger.Debug("ignoring unknown credential event", "type", ev.Type)
		return
	}
	m.notify(ev)
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Type: ev.Type, Data: ev.Data.Clone(), Origin: ev.Origin})
	}
}
