package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"heimdall/internal/core"
)

const (
	requestTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second
)

// ErrUnauthorized means the server rejected the device token, typically
// after the device was revoked
var ErrUnauthorized = errors.New("device token rejected")

// APIError is a non-2xx server response that is not an auth failure
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Heartbeat is the liveness ping payload
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	ActiveApp string    `json:"active_app,omitempty"`
	SafeMode  bool      `json:"safe_mode,omitempty"`
}

// UsageEvent is the agent-side usage report payload
type UsageEvent struct {
	AppPackage      string              `json:"app_package,omitempty"`
	AppGroupID      string              `json:"app_group_id,omitempty"`
	EventType       core.UsageEventType `json:"event_type"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	DurationSeconds *int                `json:"duration_seconds,omitempty"`
}

// RestClient talks to the agent REST surface of the server. Every
// request carries the device token.
type RestClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRestClient creates a client from the agent configuration
func NewRestClient(config *Config, logger *slog.Logger) *RestClient {
	return &RestClient{
		baseURL: config.APIBase(),
		token:   config.DeviceToken,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		logger: logger.With("component", "rest-client"),
	}
}

// SendHeartbeat posts a liveness ping
func (c *RestClient) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/agent/heartbeat", hb, nil)
}

// SendUsageEvent posts one usage report
func (c *RestClient) SendUsageEvent(ctx context.Context, event UsageEvent) error {
	return c.do(ctx, http.MethodPost, "/agent/usage-event", event, nil)
}

// FetchRules retrieves the device's current resolved rules
func (c *RestClient) FetchRules(ctx context.Context) (*core.ResolvedRules, error) {
	var rules core.ResolvedRules
	if err := c.do(ctx, http.MethodGet, "/agent/rules/current", nil, &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Device-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
