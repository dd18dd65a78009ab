package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/crmsync/internal/output"
)

func TestBackendClientRefresh(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RefreshPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600,"scope":"s"}`))
	}))
	defer server.Close()

	grant, err := NewBackendClient(server.URL+"/", nil).Refresh(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "rt", body["refresh_token"])
	assert.Equal(t, "fresh", grant.AccessToken)
	assert.Equal(t, int64(3600), grant.ExpiresIn)
	assert.Empty(t, grant.RefreshToken)
}

func TestBackendClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"rejected refresh token", http.StatusBadRequest, `{"error":"invalid_grant"}`, output.CodeAuth, false},
		{"server error", http.StatusBadGateway, `upstream down`, output.CodeAPI, true},
		{"missing access token", http.StatusOK, `{"expires_in":3600}`, output.CodeAPI, false},
		{"malformed body", http.StatusOK, `not json`, output.CodeAPI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewBackendClient(server.URL, nil).Refresh(context.Background(), "rt")
			require.Error(t, err)
			e := output.AsError(err)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
		})
	}
}

func TestBackendClientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewBackendClient(url, nil).Exchange(context.Background(), "code", "verifier")
	require.Error(t, err)
	assert.Equal(t, output.CodeNetwork, output.AsError(err).Code)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	s := NewSessionStore(nil)

	sess, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, sess)

	want := &Session{Verifier: "v", State: "s", ReturnURL: "/r"}
	require.NoError(t, s.Save(want))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Delete())
	got, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}
