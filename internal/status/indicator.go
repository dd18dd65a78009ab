// Package status tracks the sign-in and sync state shown to the user. It is
// driven only by credential events and queue status changes.
package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
	"github.com/basecamp/crmsync/internal/token"
)

// AuthState summarizes the credential.
type AuthState string

const (
	SignedOut AuthState = "signed_out"
	Connected AuthState = "connected"
	Expiring  AuthState = "expiring" // inside the refresh margin
	Expired   AuthState = "expired"  // a refresh failed
)

// Tokens is the part of token.Manager the indicator watches.
type Tokens interface {
	Get() *token.Credential
	OnChange(fn func(token.Event)) (unsubscribe func())
}

// Queue is the part of queue.Queue the indicator watches.
type Queue interface {
	OnChange(fn func(queue.Status)) (unsubscribe func())
}

// Snapshot is the indicator's state at one instant.
type Snapshot struct {
	Auth      AuthState     `json:"auth"`
	ExpiresIn time.Duration `json:"-"`
	Online    bool          `json:"online"`
	Queue     queue.Status  `json:"queue"`
}

// MarshalJSON reports ExpiresIn in seconds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		alias
		ExpiresInSeconds int64 `json:"expires_in_s"`
	}{alias(s), int64(s.ExpiresIn / time.Second)})
}

// Options wires an Indicator.
type Options struct {
	Tokens Tokens
	Queue  Queue // optional
	Now    func() time.Time
	// OnUpdate receives every new snapshot. It must not block.
	OnUpdate func(Snapshot)
}

// Indicator keeps the latest auth and queue state.
type Indicator struct {
	now      func() time.Time
	onUpdate func(Snapshot)

	mu      sync.Mutex
	cred    *token.Credential
	expired bool
	online  bool
	queue   queue.Status
	unsubs  []func()
}

// New creates an indicator seeded from the current credential and queue.
func New(opts Options) *Indicator {
	ind := &Indicator{
		now:      opts.Now,
		onUpdate: opts.OnUpdate,
		online:   true,
	}
	if ind.now == nil {
		ind.now = time.Now
	}
	if opts.Tokens != nil {
		ind.cred = opts.Tokens.Get()
		ind.unsubs = append(ind.unsubs, opts.Tokens.OnChange(ind.onToken))
	}
	if opts.Queue != nil {
		ind.unsubs = append(ind.unsubs, opts.Queue.OnChange(ind.onQueue))
	}
	return ind
}

// Close detaches from the token manager and queue.
func (i *Indicator) Close() {
	i.mu.Lock()
	unsubs := i.unsubs
	i.unsubs = nil
	i.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (i *Indicator) onToken(ev token.Event) {
	i.mu.Lock()
	switch ev.Type {
	case token.EventUpdated:
		i.cred = ev.Data
		i.expired = false
	case token.EventCleared:
		i.cred = nil
		i.expired = false
	case token.EventExpired:
		i.expired = true
	}
	i.mu.Unlock()
	i.publish()
}

func (i *Indicator) onQueue(s queue.Status) {
	i.mu.Lock()
	i.queue = s
	i.mu.Unlock()
	i.publish()
}

// SetOnline records a connectivity change.
func (i *Indicator) SetOnline(online bool) {
	i.mu.Lock()
	changed := i.online != online
	i.online = online
	i.mu.Unlock()
	if changed {
		i.publish()
	}
}

func (i *Indicator) publish() {
	if i.onUpdate != nil {
		i.onUpdate(i.Snapshot())
	}
}

// Snapshot returns the current state.
func (i *Indicator) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	s := Snapshot{Online: i.online, Queue: i.queue}
	now := i.now()
	switch {
	case i.expired:
		s.Auth = Expired
	case i.cred == nil || i.cred.Expired(now):
		s.Auth = SignedOut
	default:
		s.ExpiresIn = i.cred.ExpiresAt.Sub(now)
		if s.ExpiresIn <= token.RefreshMargin {
			s.Auth = Expiring
		} else {
			s.Auth = Connected
		}
	}
	return s
}

// Label is the human wording of an auth state.
func (a AuthState) Label() string {
	switch a {
	case Connected:
		return "Zoho connected"
	case Expiring:
		return "Zoho session expiring"
	case Expired:
		return "Zoho session expired"
	default:
		return "Zoho not connected"
	}
}

// Line renders s as one plain line.
func (s Snapshot) Line() string {
	return s.Render(output.NewRenderer(nil, false))
}

// Render renders s as one line using r's styles.
func (s Snapshot) Render(r *output.Renderer) string {
	parts := []string{s.authStyle(r).Render("● " + s.Auth.Label())}
	if !s.Online {
		parts = append(parts, r.Warning.Render("offline"))
	}
	if s.Queue.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", s.Queue.Pending))
	}
	if s.Queue.Failed > 0 {
		parts = append(parts, r.Error.Render(fmt.Sprintf("%d failed", s.Queue.Failed)))
	}
	if s.Queue.NextRetryIn > 0 {
		parts = append(parts, r.Muted.Render("retry in "+FormatDuration(s.Queue.NextRetryIn)))
	}
	if s.Queue.Total == 0 && s.Auth == Connected && s.Online {
		parts = append(parts, r.Muted.Render("synced"))
	}
	return strings.Join(parts, " · ")
}

func (s Snapshot) authStyle(r *output.Renderer) lipgloss.Style {
	switch s.Auth {
	case Connected:
		return r.Success
	case Expiring:
		return r.Warning
	case Expired:
		return r.Error
	default:
		return r.Muted
	}
}

// FormatDuration renders d compactly, rounded to the second.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m := int(d / time.Minute)
		if sec := int((d % time.Minute) / time.Second); sec > 0 {
			return fmt.Sprintf("%dm%ds", m, sec)
		}
		return fmt.Sprintf("%dm", m)
	default:
		h := int(d / time.Hour)
		if m := int((d % time.Hour) / time.Minute); m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
}
