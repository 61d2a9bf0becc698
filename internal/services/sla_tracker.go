package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/shifts"
)

// SlaTrackerClient talks to the external SLA tracker service over HTTP. It
// implements shifts.SlaNotifier. When no base URL is configured it becomes
// a no-op so local development does not need the tracker running.
type SlaTrackerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewSlaTrackerClient builds the client. An empty baseURL disables it.
func NewSlaTrackerClient(baseURL, apiKey string, log *zap.SugaredLogger) *SlaTrackerClient {
	if baseURL == "" {
		log.Warn("⚠️  SLA_TRACKER_URL not set - SLA tracking disabled")
	}
	return &SlaTrackerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type slaStartResponse struct {
	TrackerID string `json:"tracker_id"`
}

// OnShiftStarted opens an SLA timer for the shift and returns the tracker's
// id for later resolution.
func (c *SlaTrackerClient) OnShiftStarted(ctx context.Context, shiftID string, info shifts.SlaShiftContext) (string, error) {
	if c.baseURL == "" {
		return "", nil
	}

	var resp slaStartResponse
	url := fmt.Sprintf("%s/api/trackers/shifts/%s/start", c.baseURL, shiftID)
	if err := c.post(ctx, url, info, &resp); err != nil {
		return "", err
	}

	c.log.Infow("⏱️  SLA timer opened", "shift_id", shiftID, "tracker_id", resp.TrackerID)
	return resp.TrackerID, nil
}

// OnShiftResolved closes the SLA timer with the final outcome.
func (c *SlaTrackerClient) OnShiftResolved(ctx context.Context, shiftID string, outcome shifts.SlaOutcome) error {
	if c.baseURL == "" {
		return nil
	}

	url := fmt.Sprintf("%s/api/trackers/shifts/%s/resolve", c.baseURL, shiftID)
	if err := c.post(ctx, url, outcome, nil); err != nil {
		return err
	}

	c.log.Infow("⏱️  SLA timer resolved", "shift_id", shiftID, "status", outcome.Status)
	return nil
}

// post sends a JSON payload with retry on transient failure. 4xx responses
// are permanent; retrying them would never succeed.
func (c *SlaTrackerClient) post(ctx context.Context, url string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding SLA payload: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			raw, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("SLA tracker rejected request: %d %s", resp.StatusCode, string(raw)))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("SLA tracker error: %d", resp.StatusCode)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding SLA response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(attempt, policy)
}
