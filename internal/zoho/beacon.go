package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basecamp/crmsync/internal/version"
)

// BeaconPath is the backend endpoint accepting unload saves.
const BeaconPath = "/api/zoho/beacon-sync"

// beaconTimeout bounds a beacon; the process is on its way out.
const beaconTimeout = 2 * time.Second

// BeaconRequest is the body of a beacon.
type BeaconRequest struct {
	Record      Record `json:"record" validate:"required"`
	AccessToken string `json:"access_token,omitempty"`
}

// Beacon hands a last-moment save to the backend without waiting for the
// CRM write to finish.
type Beacon struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBeacon creates a beacon for the backend at baseURL.
func NewBeacon(baseURL string, httpClient *http.Client, logger *slog.Logger) *Beacon {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		url:        strings.TrimRight(baseURL, "/") + BeaconPath,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Send posts rec to the backend. The backend acknowledges with 202 before
// it writes the record; Send gives up after a short timeout and never
// retries.
func (b *Beacon) Send(ctx context.Context, rec Record, accessToken string) error {
	body, err := json.Marshal(BeaconRequest{Record: rec, AccessToken: accessToken})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, beaconTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("beacon rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Unload saves rec locally first, then fires the beacon. Beacon failures
// are logged only; the local copy and the retry queue still hold the work.
func Unload(ctx context.Context, state *StateStore, beacon *Beacon, rec Record, tokens Credentials) error {
	if state != nil {
		if err := state.Save(rec.RecordID, rec.Data); err != nil {
			return err
		}
	}
	if beacon == nil {
		return nil
	}

	var accessToken string
	if tokens != nil {
		if cred := tokens.Get(); cred != nil {
			accessToken = cred.AccessToken
		}
	}
	if err := beacon.Send(ctx, rec, accessToken); err != nil {
		beacon.logger.Warn("unload beacon failed", "record", rec.RecordID, "error", err)
	}
	return nil
}
