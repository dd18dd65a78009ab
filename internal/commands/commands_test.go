package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/config"
	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/token"
	"github.com/basecamp/crmsync/internal/zoho"
)

const doc = `{"meetingId":"m1","modules":{"overview":{"name":"Acme"},"roi":{"total":1}}}`

// fakeCRM stores one state document per record path and can be forced to
// fail.
type fakeCRM struct {
	mu     sync.Mutex
	status int
	stored map[string]string
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	c := &fakeCRM{stored: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *fakeCRM) fail(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Header.Get("Authorization") != "Zoho-oauthtoken good" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if c.status != 0 {
		w.WriteHeader(c.status)
		_, _ = io.WriteString(w, `{"code":"UNAVAILABLE"}`)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Data []map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if s, ok := body.Data[0][zoho.DefaultStateField].(string); ok {
			c.stored[r.URL.Path] = s
		}
		_, _ = io.WriteString(w, `{"data":[{"code":"SUCCESS","status":"success","details":{"id":"4000123"}}]}`)
	case http.MethodGet:
		stored, ok := c.stored[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		out, _ := json.Marshal(map[string]any{"data": []map[string]any{{zoho.DefaultStateField: stored}}})
		_, _ = w.Write(out)
	}
}

// setupApp builds an app over a temp state dir with JSON output captured in
// the returned buffer.
func setupApp(t *testing.T, apiBase string) (*appctx.App, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.APIBase = apiBase
	cfg.StateDir = t.TempDir()
	cfg.CredentialBackend = "file"
	cfg.Broadcast = "none"

	app := appctx.NewApp(cfg)
	app.Flags.JSON = true
	require.NoError(t, app.ApplyFlags())

	buf := &bytes.Buffer{}
	w, err := output.New(output.Options{Format: output.FormatJSON, Writer: buf})
	require.NoError(t, err)
	app.Output = w
	t.Cleanup(app.Close)
	return app, buf
}

func signIn(t *testing.T, app *appctx.App) {
	t.Helper()
	svc, err := app.Services(context.Background())
	require.NoError(t, err)
	svc.Tokens.Set(&token.Credential{
		AccessToken:  "good",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
}

func run(t *testing.T, app *appctx.App, buf *bytes.Buffer, cmd *cobra.Command, args ...string) (output.Response, error) {
	t.Helper()
	buf.Reset()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(appctx.WithApp(context.Background(), app))
	var resp output.Response
	if buf.Len() > 0 {
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	}
	return resp, err
}

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestSyncPushAndPull(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	resp, err := run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", writeDoc(t))
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["queued"])
	assert.Equal(t, "4000123", data["record_id"])

	resp, err = run(t, app, buf, NewSyncCmd(), "pull", "4000123")
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.Data.(map[string]any)["meetingId"])
	assert.Equal(t, "4000123", resp.Meta["record_id"])
}

func TestSyncPushUsesLocalState(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	_, err := run(t, app, buf, NewSyncCmd(), "push", "4000123")
	require.Error(t, err)
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)

	_, err = run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", writeDoc(t))
	require.NoError(t, err)

	// The local copy saved by the first push is reused.
	resp, err := run(t, app, buf, NewSyncCmd(), "push", "4000123")
	require.NoError(t, err)
	assert.Equal(t, false, resp.Data.(map[string]any)["queued"])
}

func TestSyncPushRejectsBadInput(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	_, err := run(t, app, buf, NewSyncCmd(), "push", "not a record", "--file", writeDoc(t))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{nope"), 0o600))
	_, err = run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", bad)
	require.Error(t, err)
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)
}

func TestPullMissingRecord(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	resp, err := run(t, app, buf, NewSyncCmd(), "pull", "4000999")
	require.NoError(t, err)
	assert.Equal(t, false, resp.Data.(map[string]any)["found"])
}

func TestFailedPushIsQueuedAndRetried(t *testing.T) {
	crm, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	crm.fail(http.StatusServiceUnavailable)
	resp, err := run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", writeDoc(t))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data.(map[string]any)["queued"])

	resp, err = run(t, app, buf, NewQueueCmd(), "list")
	require.NoError(t, err)
	rows := resp.Data.([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "pending", row["state"])
	assert.Equal(t, float64(1), row["attempts"])

	crm.fail(0)
	resp, err = run(t, app, buf, NewQueueCmd(), "retry")
	require.NoError(t, err)
	assert.Equal(t, float64(0), resp.Data.(map[string]any)["remaining"])

	resp, err = run(t, app, buf, NewQueueCmd(), "status")
	require.NoError(t, err)
	assert.Equal(t, "Retry queue is empty", resp.Summary)
}

func TestPermanentFailureIsNotQueued(t *testing.T) {
	crm, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	crm.fail(http.StatusForbidden)
	_, err := run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", writeDoc(t))
	require.Error(t, err)
	assert.Equal(t, output.CodeForbidden, output.AsError(err).Code)

	resp, err := run(t, app, buf, NewQueueCmd(), "status")
	require.NoError(t, err)
	assert.Equal(t, "Retry queue is empty", resp.Summary)
}

func TestQueueRemoveAndClear(t *testing.T) {
	crm, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	crm.fail(http.StatusBadGateway)
	_, err := run(t, app, buf, NewSyncCmd(), "push", "4000123", "--file", writeDoc(t))
	require.NoError(t, err)
	_, err = run(t, app, buf, NewSyncCmd(), "push", "4000456", "--file", writeDoc(t))
	require.NoError(t, err)

	_, err = run(t, app, buf, NewQueueCmd(), "remove", "missing")
	require.Error(t, err)
	assert.Equal(t, output.CodeNotFound, output.AsError(err).Code)

	resp, err := run(t, app, buf, NewQueueCmd(), "list")
	require.NoError(t, err)
	id := resp.Data.([]any)[0].(map[string]any)["id"].(string)

	_, err = run(t, app, buf, NewQueueCmd(), "remove", id)
	require.NoError(t, err)

	// Clearing without a terminal needs --force.
	_, err = run(t, app, buf, NewQueueCmd(), "clear")
	require.Error(t, err)
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)

	_, err = run(t, app, buf, NewQueueCmd(), "clear", "--all", "--force")
	require.NoError(t, err)

	resp, err = run(t, app, buf, NewQueueCmd(), "list")
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestAuthStatusAndLogout(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)

	resp, err := run(t, app, buf, NewAuthCmd(), "status")
	require.NoError(t, err)
	assert.Equal(t, false, resp.Data.(map[string]any)["authenticated"])

	signIn(t, app)
	resp, err = run(t, app, buf, NewAuthCmd(), "status")
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["authenticated"])
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, true, data["has_refresh_token"])

	_, err = run(t, app, buf, NewAuthCmd(), "logout")
	require.NoError(t, err)

	_, err = run(t, app, buf, NewAuthCmd(), "token")
	require.Error(t, err)
	assert.Equal(t, output.CodeAuth, output.AsError(err).Code)
}

func TestAuthCommandsNeedBackend(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)

	for _, sub := range []string{"login", "refresh"} {
		_, err := run(t, app, buf, NewAuthCmd(), sub)
		require.Error(t, err, sub)
		assert.Equal(t, output.CodeConfig, output.AsError(err).Code, sub)
	}
}

func TestAuthTokenJSON(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	resp, err := run(t, app, buf, NewAuthCmd(), "token")
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Data.(map[string]any)["token"])
}

func TestStatusCommand(t *testing.T) {
	_, srv := newFakeCRM(t)
	app, buf := setupApp(t, srv.URL)
	signIn(t, app)

	resp, err := run(t, app, buf, NewStatusCmd(), "--check")
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "connected", data["auth"])
	assert.Equal(t, true, data["online"])
	assert.Contains(t, resp.Summary, "synced")
}

func TestConfigCommands(t *testing.T) {
	app, buf := setupApp(t, "https://www.zohoapis.com/crm/v2")

	resp, err := run(t, app, buf, NewConfigCmd(), "get", "module")
	require.NoError(t, err)
	assert.Equal(t, app.Config.Module, resp.Summary)

	_, err = run(t, app, buf, NewConfigCmd(), "get", "nope")
	require.Error(t, err)
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)

	resp, err = run(t, app, buf, NewConfigCmd(), "show")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Data)
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "www.zohoapis.com:443", dialAddr("https://www.zohoapis.com/crm/v2"))
	assert.Equal(t, "127.0.0.1:8080", dialAddr("http://127.0.0.1:8080"))
	assert.Equal(t, "crm.local:80", dialAddr("http://crm.local"))
}

func TestServeHelpListsBeaconPath(t *testing.T) {
	assert.Contains(t, NewServeCmd().Long, "POST "+zoho.BeaconPath)
}
