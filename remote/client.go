// Package remote is the client of the remote progress API.
//
// Every failure is classified: timeouts, transport errors, 408, 429 and 5xx
// responses are transient (progresssync.ErrTransient); 409 and other 4xx
// responses are permanent conflicts (progresssync.ErrConflict).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	progresssync "github.com/wolfeidau/progress-sync"
	"github.com/wolfeidau/progress-sync/telemetry"
)

const (
	// DefaultBaseURL is the default remote API endpoint.
	DefaultBaseURL = "http://127.0.0.1:8081"

	// DefaultTimeout bounds every remote call.
	DefaultTimeout = 15 * time.Second

	// IdempotencyHeader repeats the idempotency key as a request header.
	IdempotencyHeader = "Idempotency-Key"

	maxErrorBody = 64 * 1024
)

// ErrNotFound is returned when the server has no state for a resource.
var ErrNotFound = errors.New("remote: not found")

// SubmitRequest is the body of POST /progress/{kind}.
type SubmitRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	ResourceKey    string          `json:"resourceKey"`
	Payload        json.RawMessage `json:"payload"`
}

// StateResponse is the body of a successful submit or fetch.
type StateResponse struct {
	ServerState json.RawMessage `json:"serverState"`
}

// ConflictResponse is the body of a 409 response.
type ConflictResponse struct {
	ConflictReason string `json:"conflictReason"`
}

// Client calls the remote progress API.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBearerToken sets the bearer token sent with every call.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New creates a remote API client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "remote"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit posts a mutation and returns the server's authoritative state.
func (c *Client) Submit(ctx context.Context, kind string, body SubmitRequest) (json.RawMessage, error) {
	if len(body.Payload) == 0 {
		body.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding submit request: %w", err)
	}

	target := fmt.Sprintf("%s/progress/%s", c.baseURL, url.PathEscape(kind))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, body.IdempotencyKey)

	return c.do(req)
}

// Fetch returns the server state of one resource.
func (c *Client) Fetch(ctx context.Context, kind, key string) (json.RawMessage, error) {
	target := fmt.Sprintf("%s/progress/%s/%s", c.baseURL, url.PathEscape(kind), url.PathEscape(key))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &progresssync.TransientError{Err: fmt.Errorf("performing request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, Classify(resp.StatusCode, body)
	}

	var state StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		// A truncated body is as good as a dropped connection.
		return nil, &progresssync.TransientError{Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return state.ServerState, nil
}

// Classify maps a non-200 response to an error.
func Classify(status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &progresssync.TransientError{Status: status, Err: progresssync.ErrUnauthorized}
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &progresssync.TransientError{Status: status, Err: errors.New(http.StatusText(status))}
	case status >= 400:
		return &progresssync.ConflictError{Status: status, Reason: conflictReason(status, body)}
	default:
		return &progresssync.TransientError{Status: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}

func conflictReason(status int, body []byte) string {
	var cr ConflictResponse
	if err := json.Unmarshal(body, &cr); err == nil && cr.ConflictReason != "" {
		return cr.ConflictReason
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}
