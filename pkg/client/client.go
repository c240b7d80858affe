package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// options configures both the HTTP client and WebSocket connections
type options struct {
	timeout    time.Duration
	headers    http.Header
	bufferSize int
}

// Option is a function that configures a Client or Conn
type Option func(*options)

// WithTimeout sets the request and handshake timeout
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		for k, v := range headers {
			o.headers.Set(k, v)
		}
	}
}

// WithBufferSize sets how many received events a Conn buffers before it
// starts dropping them
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		timeout:    10 * time.Second,
		headers:    http.Header{},
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Client talks to the relay's HTTP endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// PublishResult is the outcome of a publish request
type PublishResult struct {
	User      string `json:"user"`
	Receivers int64  `json:"receivers"`
}

// Stats is the live connection state reported by the relay
type Stats struct {
	Members int       `json:"members"`
	Groups  int       `json:"groups"`
	Engine  string    `json:"engine"`
	Started time.Time `json:"started"`
	Uptime  string    `json:"uptime"`
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// New creates a client for the relay at baseURL (http:// or https://)
func New(baseURL string, opts ...Option) *Client {
	o := newOptions(opts)
	o.headers.Set("Content-Type", "application/json")

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: o.timeout},
		headers:    o.headers,
	}
}

// Publish sends a notification record to POST /notifications. The record is
// forwarded to clients byte-for-byte.
func (c *Client) Publish(ctx context.Context, record []byte) (*PublishResult, error) {
	var result PublishResult
	if err := c.do(ctx, http.MethodPost, "/notifications", record, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats fetches GET /stats
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// do makes an HTTP request and decodes the data field of the response envelope
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	_ = json.Unmarshal(raw, &envelope)

	if resp.StatusCode >= 400 {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// websocketURL converts an http(s) base URL to the ws(s) URL of path
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if path != "" {
		u.Path = path
	}
	return u.String(), nil
}
