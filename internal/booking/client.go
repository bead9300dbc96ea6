// Package booking is the REST client for the ticketing backend: enqueueing
// into the virtual queue, room membership, captcha prefetch, and failure
// stats.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// APIError is a non-2xx response from the booking backend.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("booking api error %d: %s", e.StatusCode, e.Message)
}

// EnqueueResult is the position returned by the enqueue call. The display
// rank is positionAhead+1.
type EnqueueResult struct {
	PositionAhead  int `json:"positionAhead"`
	PositionBehind int `json:"positionBehind"`
}

// Client provides access to the booking REST API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a booking API client. accessToken may be empty for an
// anonymous session.
func NewClient(baseURL, accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Enqueue registers the user in the match's virtual queue and returns the
// initial queue position.
func (c *Client) Enqueue(ctx context.Context, matchID int64, clickMiss, duration int) (*EnqueueResult, error) {
	req := map[string]any{
		"matchId":   matchID,
		"clickMiss": clickMiss,
		"duration":  duration,
	}

	var result EnqueueResult
	if err := c.post(ctx, "/queue/enqueue", req, &result); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return &result, nil
}

// RequestCaptcha asks the backend to prepare a captcha for the upcoming
// seat-selection stage so it is ready when the user lands there.
func (c *Client) RequestCaptcha(ctx context.Context) error {
	if err := c.post(ctx, "/captcha/request", nil, nil); err != nil {
		return fmt.Errorf("request captcha: %w", err)
	}
	return nil
}

// JoinRoom binds this window's broker session to the room so topic frames
// start flowing.
func (c *Client) JoinRoom(ctx context.Context, roomID, userID int64, nickname string) error {
	req := map[string]any{
		"userId":   userID,
		"nickname": nickname,
	}

	path := fmt.Sprintf("/rooms/%d/join", roomID)
	if err := c.post(ctx, path, req, nil); err != nil {
		return fmt.Errorf("join room %d: %w", roomID, err)
	}
	return nil
}

// ReportSeatStatsFailed records a booking attempt that ended without a
// seat, e.g. because the match closed while the user still queued.
func (c *Client) ReportSeatStatsFailed(ctx context.Context, matchID int64, trigger string) error {
	req := map[string]any{
		"matchId": matchID,
		"trigger": trigger,
	}

	if err := c.post(ctx, "/stats/seat-failed", req, nil); err != nil {
		return fmt.Errorf("report seat stats: %w", err)
	}
	return nil
}

// post performs a JSON POST and optionally decodes the response into result.
func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
