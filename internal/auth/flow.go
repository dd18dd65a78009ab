// Package auth runs the Zoho authorization-code flow with PKCE. The verifier
// never leaves this process except inside the code exchange sent to the
// trusted backend.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/token"
)

// Zoho defaults.
const (
	DefaultAuthURL     = "https://accounts.zoho.com/oauth/v2/auth"
	DefaultRedirectURI = "http://127.0.0.1:8976/callback"
	DefaultScope       = "ZohoCRM.modules.potentials.READ,ZohoCRM.modules.potentials.UPDATE"
)

var (
	// ErrNoSession means a callback arrived with no authorization in flight.
	ErrNoSession = errors.New("no authorization session")
	// ErrStateMismatch means the callback's state does not match the session.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrNotCancellable is returned by Cancel once the browser was sent away.
	ErrNotCancellable = errors.New("authorization can only be cancelled before redirect")
)

// State is a step of the authorization flow.
type State int

const (
	Idle State = iota
	AwaitingRedirect
	AwaitingCallback
	Exchanging
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingRedirect:
		return "awaiting_redirect"
	case AwaitingCallback:
		return "awaiting_callback"
	case Exchanging:
		return "exchanging"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Exchanger trades an authorization code plus verifier for a credential.
type Exchanger interface {
	Exchange(ctx context.Context, code, verifier string) (*token.Grant, error)
}

// CredentialSink receives the credential produced by a successful flow.
type CredentialSink interface {
	Set(c *token.Credential)
}

// Config describes the identity provider and this client.
type Config struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scope       string
}

// FlowOptions wires a Flow.
type FlowOptions struct {
	Config    Config
	Exchanger Exchanger
	Tokens    CredentialSink
	Sessions  *SessionStore      // nil: process memory
	OpenURL   func(string) error // nil: OpenBrowser
	Logger    *slog.Logger
	Now       func() time.Time
}

// Flow drives one authorization at a time.
type Flow struct {
	oauth     *oauth2.Config
	exchanger Exchanger
	tokens    CredentialSink
	sessions  *SessionStore
	openURL   func(string) error
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
	url   string
}

// NewFlow creates a flow. Missing client configuration is a programmer error.
func NewFlow(opts FlowOptions) (*Flow, error) {
	cfg := opts.Config
	if cfg.ClientID == "" {
		return nil, output.ErrConfig("client_id is required for login", "Set client_id in config or CRMSYNC_CLIENT_ID")
	}
	if opts.Exchanger == nil || opts.Tokens == nil {
		return nil, errors.New("auth: Exchanger and Tokens are required")
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}

	f := &Flow{
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
			RedirectURL: cfg.RedirectURI,
			// Zoho takes a comma-separated scope list as one value.
			Scopes: []string{cfg.Scope},
		},
		exchanger: opts.Exchanger,
		tokens:    opts.Tokens,
		sessions:  opts.Sessions,
		openURL:   opts.OpenURL,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if f.sessions == nil {
		f.sessions = NewSessionStore(nil)
	}
	if f.openURL == nil {
		f.openURL = OpenBrowser
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// State returns the current step.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Prepare creates a fresh session and returns the authorization URL.
// The flow waits in AwaitingRedirect until Redirect or Cancel.
func (f *Flow) Prepare(returnURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == AwaitingRedirect || f.state == AwaitingCallback || f.state == Exchanging {
		f.logger.Debug("restarting authorization", "previous_state", f.state)
	}

	sess := &Session{
		Verifier:  oauth2.GenerateVerifier(),
		State:     generateState(),
		ReturnURL: returnURL,
	}
	if err := f.sessions.Save(sess); err != nil {
		return "", fmt.Errorf("save authorization session: %w", err)
	}

	f.url = f.oauth.AuthCodeURL(sess.State,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(sess.Verifier),
	)
	f.state = AwaitingRedirect
	return f.url, nil
}

// Redirect sends the user to the identity provider. A browser that fails to
// open is logged; the URL is still valid for manual use.
func (f *Flow) Redirect() error {
	f.mu.Lock()
	if f.state != AwaitingRedirect {
		f.mu.Unlock()
		return fmt.Errorf("cannot redirect from state %s", f.state)
	}
	authURL := f.url
	f.state = AwaitingCallback
	f.mu.Unlock()

	if err := f.openURL(authURL); err != nil {
		f.logger.Warn("could not open browser", "error", err)
		return err
	}
	return nil
}

// Start prepares a session and redirects in one step.
func (f *Flow) Start(returnURL string) (string, error) {
	authURL, err := f.Prepare(returnURL)
	if err != nil {
		return "", err
	}
	return authURL, f.Redirect()
}

// Cancel abandons a prepared authorization. Once redirected, the session
// simply goes unused.
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != AwaitingRedirect {
		return ErrNotCancellable
	}
	if err := f.sessions.Delete(); err != nil {
		f.logger.Warn("delete authorization session failed", "error", err)
	}
	f.state = Idle
	f.url = ""
	return nil
}

// HandleCallback completes the flow from the callback query (code, state).
// The session is destroyed whatever the outcome. A missing session or a
// state mismatch is a security rejection: the exchange is never attempted.
// Failures are final; start a new flow to try again.
func (f *Flow) HandleCallback(ctx context.Context, query url.Values) (returnURL string, err error) {
	sess, loadErr := f.sessions.Load()
	defer func() {
		if delErr := f.sessions.Delete(); delErr != nil {
			f.logger.Warn("delete authorization session failed", "error", delErr)
		}
		f.mu.Lock()
		if err != nil {
			f.state = Failed
		} else {
			f.state = Complete
		}
		f.url = ""
		f.mu.Unlock()
	}()

	if loadErr != nil {
		f.logger.Warn("authorization session unreadable", "error", loadErr)
		sess = nil
	}
	if sess == nil {
		f.logger.Warn("discarding callback without authorization session")
		return "", output.ErrSecurity(ErrNoSession)
	}
	if subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(sess.State)) != 1 {
		f.logger.Warn("discarding callback with mismatched state")
		return "", output.ErrSecurity(ErrStateMismatch)
	}
	if e := query.Get("error"); e != "" {
		return "", output.ErrAuth("Authorization denied: " + e)
	}
	code := query.Get("code")
	if code == "" {
		return "", output.ErrUsage("callback has no authorization code")
	}

	f.mu.Lock()
	f.state = Exchanging
	f.mu.Unlock()

	grant, err := f.exchanger.Exchange(ctx, code, sess.Verifier)
	if err != nil {
		f.logger.Warn("authorization code exchange failed", "error", err)
		return "", err
	}

	f.tokens.Set(grant.Credential(f.now()))
	return sess.ReturnURL, nil
}

// LoginOptions configures Login.
type LoginOptions struct {
	ReturnURL string
	NoBrowser bool      // print the URL instead of opening a browser
	Out       io.Writer // progress messages; nil discards
}

type callbackResult struct {
	returnURL string
	err       error
}

// Login runs the whole flow with a loopback server on the redirect URI and
// waits until the callback arrives or ctx is done. There is no timeout: the
// user decides how long the redirect takes.
func (f *Flow) Login(ctx context.Context, opts LoginOptions) (string, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	redirect, err := url.Parse(f.oauth.RedirectURL)
	if err != nil {
		return "", output.ErrConfig("invalid redirect_uri", err.Error())
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}
	defer func() { _ = listener.Close() }()

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		returnURL, err := f.HandleCallback(ctx, r.URL.Query())
		if err != nil {
			fmt.Fprint(w, "<html><body><h1>Authentication failed</h1><p>You can close this window.</p></body></html>")
		} else {
			fmt.Fprint(w, "<html><body><h1>Authentication successful!</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case resultCh <- callbackResult{returnURL: returnURL, err: err}:
		default:
		}
	})

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           mux,
	}
	go func() { _ = server.Serve(listener) }()
	defer func() { _ = server.Close() }()

	authURL, err := f.Prepare(opts.ReturnURL)
	if err != nil {
		return "", err
	}

	if opts.NoBrowser {
		f.mu.Lock()
		f.state = AwaitingCallback
		f.mu.Unlock()
		fmt.Fprintf(out, "\nOpen this URL in your browser:\n%s\n\nWaiting for authentication...\n", authURL)
	} else if err := f.Redirect(); err != nil {
		fmt.Fprintf(out, "\nCouldn't open browser automatically.\nOpen this URL in your browser:\n%s\n\nWaiting for authentication...\n", authURL)
	} else {
		fmt.Fprintln(out, "\nOpening browser for authentication...")
		fmt.Fprintf(out, "If the browser doesn't open, visit: %s\n\nWaiting for authentication...\n", authURL)
	}

	select {
	case res := <-resultCh:
		return res.returnURL, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func generateState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
