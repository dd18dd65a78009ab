package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/token"
	"github.com/basecamp/crmsync/internal/version"
)

// Defaults for the Zoho CRM v2 API.
const (
	DefaultAPIBase    = "https://www.zohoapis.com/crm/v2"
	DefaultModule     = "Potentials1"
	DefaultStateField = "Discovery_Progress"

	// MaxFieldLength is the CRM's limit for a multi-line text field.
	MaxFieldLength = 30000
)

// ErrNeedsRefresh marks a request the CRM rejected with 401. It is the only
// failure that justifies refreshing the credential.
var ErrNeedsRefresh = errors.New("credential rejected, needs refresh")

// Config locates the record module and the field holding the state document.
type Config struct {
	APIBase    string
	Module     string
	StateField string
}

// Result is the outcome of a successful write.
type Result struct {
	Success  bool   `json:"success"`
	RecordID string `json:"recordId,omitempty"`
}

// Client talks to the CRM REST API with a caller-supplied credential.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client. Empty config fields take the defaults.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Module == "" {
		cfg.Module = DefaultModule
	}
	if cfg.StateField == "" {
		cfg.StateField = DefaultStateField
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger, now: time.Now}
}

// Config returns the resolved configuration.
func (c *Client) Config() Config {
	return c.cfg
}

type updateResponse struct {
	Data []struct {
		Code    string `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details struct {
			ID string `json:"id"`
		} `json:"details"`
	} `json:"data"`
}

// Sync writes rec's state document to its CRM record.
func (c *Client) Sync(ctx context.Context, rec Record, cred *token.Credential) (Result, error) {
	return c.update(ctx, rec, cred, nil)
}

// SyncWithStatus is Sync plus the completion status picklist.
func (c *Client) SyncWithStatus(ctx context.Context, rec Record, cred *token.Credential) (Result, error) {
	return c.update(ctx, rec, cred, map[string]any{FieldStatus: StatusLabel(rec.Completion)})
}

func (c *Client) update(ctx context.Context, rec Record, cred *token.Credential, extra map[string]any) (Result, error) {
	if err := ValidateRecordID(rec.RecordID); err != nil {
		return Result{}, err
	}
	if cred == nil || cred.AccessToken == "" {
		return Result{}, output.ErrAuth("Not signed in to Zoho")
	}
	if len(rec.Data) > MaxFieldLength {
		c.logger.Warn("state document exceeds CRM field limit",
			"record", rec.RecordID, "length", len(rec.Data), "limit", MaxFieldLength)
	}

	fields := rec.Fields(c.cfg.StateField, c.now())
	for k, v := range extra {
		fields[k] = v
	}
	body, err := json.Marshal(map[string]any{"data": []any{fields}})
	if err != nil {
		return Result{}, err
	}

	resp, err := c.do(ctx, http.MethodPut, c.recordURL(rec.RecordID, nil), cred, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "sync"); err != nil {
		return Result{}, err
	}

	result := Result{Success: true, RecordID: rec.RecordID}
	var parsed updateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && len(parsed.Data) > 0 {
		d := parsed.Data[0]
		if strings.EqualFold(d.Status, "error") {
			return Result{}, output.ErrAPI(resp.StatusCode, fmt.Sprintf("Zoho rejected update: %s %s", d.Code, d.Message))
		}
		if d.Details.ID != "" {
			result.RecordID = d.Details.ID
		}
	}
	return result, nil
}

// Load reads the state document stored on a CRM record. A record that does
// not exist, or holds no document, yields nil.
func (c *Client) Load(ctx context.Context, recordID string, cred *token.Credential) (json.RawMessage, error) {
	if err := ValidateRecordID(recordID); err != nil {
		return nil, err
	}
	if cred == nil || cred.AccessToken == "" {
		return nil, output.ErrAuth("Not signed in to Zoho")
	}

	query := url.Values{"fields": {c.cfg.StateField}}
	resp, err := c.do(ctx, http.MethodGet, c.recordURL(recordID, query), cred, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp, "load"); err != nil {
		return nil, err
	}

	var parsed struct {
		Data []map[string]json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, output.ErrAPI(resp.StatusCode, "malformed load response: "+err.Error())
	}
	if len(parsed.Data) == 0 {
		return nil, nil
	}
	raw, ok := parsed.Data[0][c.cfg.StateField]
	if !ok {
		return nil, nil
	}

	// The document is stored as a JSON string.
	var doc string
	if err := json.Unmarshal(raw, &doc); err != nil || doc == "" {
		return nil, nil
	}
	if !json.Valid([]byte(doc)) {
		c.logger.Warn("stored state document is not valid JSON", "record", recordID)
		return nil, nil
	}
	return json.RawMessage(doc), nil
}

// Validate checks that cred is accepted by the CRM.
func (c *Client) Validate(ctx context.Context, cred *token.Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return output.ErrAuth("Not signed in to Zoho")
	}
	resp, err := c.do(ctx, http.MethodGet, c.cfg.APIBase+"/users?type=CurrentUser", cred, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, "validate")
}

func (c *Client) recordURL(recordID string, query url.Values) string {
	u := c.cfg.APIBase + "/" + url.PathEscape(c.cfg.Module) + "/" + url.PathEscape(recordID)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, cred *token.Credential, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+cred.AccessToken)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	return resp, nil
}

// checkStatus maps a non-2xx response to a structured error. 401 wraps
// ErrNeedsRefresh.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &output.Error{
			Code:       output.CodeAuth,
			Message:    "Zoho rejected the access token",
			Hint:       "Run: crmsync auth refresh",
			HTTPStatus: resp.StatusCode,
			Cause:      ErrNeedsRefresh,
		}
	case http.StatusForbidden:
		return output.ErrForbidden("Zoho denied " + op + ": " + detail)
	case http.StatusNotFound:
		return output.ErrNotFound("record", resp.Request.URL.Path)
	case http.StatusTooManyRequests:
		return output.ErrRateLimit(0)
	}
	return output.ErrAPI(resp.StatusCode, fmt.Sprintf("Zoho %s failed: %s", op, detail))
}
