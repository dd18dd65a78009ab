package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/token"
)

// Backend endpoint paths.
const (
	TokenPath   = "/api/zoho/token"
	RefreshPath = "/api/zoho/refresh"
)

// BackendClient talks to the trusted backend that holds the client secret.
// It implements token.Refresher.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBackendClient creates a client for the backend at baseURL.
func NewBackendClient(baseURL string, httpClient *http.Client) *BackendClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Exchange trades an authorization code and its verifier for a credential.
func (c *BackendClient) Exchange(ctx context.Context, code, verifier string) (*token.Grant, error) {
	return c.post(ctx, TokenPath, map[string]string{
		"code":     code,
		"verifier": verifier,
	}, "token exchange failed")
}

// Refresh trades a refresh token for a new access token.
func (c *BackendClient) Refresh(ctx context.Context, refreshToken string) (*token.Grant, error) {
	grant, err := c.post(ctx, RefreshPath, map[string]string{
		"refresh_token": refreshToken,
	}, "token refresh failed")
	if err != nil {
		if e := output.AsError(err); e.HTTPStatus == http.StatusBadRequest || e.HTTPStatus == http.StatusUnauthorized {
			return nil, &output.Error{
				Code:       output.CodeAuth,
				Message:    "Refresh token rejected",
				Hint:       "Run: crmsync auth login",
				HTTPStatus: e.HTTPStatus,
				Cause:      err,
			}
		}
		return nil, err
	}
	return grant, nil
}

func (c *BackendClient) post(ctx context.Context, path string, body any, failure string) (*token.Grant, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("%s: %s", failure, strings.TrimSpace(string(respBody))))
	}

	var grant token.Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("%s: malformed response: %v", failure, err))
	}
	if grant.AccessToken == "" {
		return nil, output.ErrAPI(resp.StatusCode, failure+": response has no access_token")
	}
	return &grant, nil
}
