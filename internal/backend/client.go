// Package backend is the HTTP client used to reach the upstream
// OpenAI-compatible inference service.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultUserAgent = "inference-relay/1.0"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIKey sets the key sent upstream as a bearer token. An empty key sends
// no Authorization header.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client issues requests against a single backend. It is safe for concurrent
// use; per-request state lives only in the *http.Request it builds.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL. The default transport
// is instrumented with OpenTelemetry.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// UserAgent is forwarded as-is when set.
	UserAgent string
	// RequestID is forwarded as X-Request-ID when set.
	RequestID string
}

// Post sends body as JSON to path. The caller owns the returned response body,
// which is not read; this lets streaming callers consume it incrementally.
func (c *Client) Post(ctx context.Context, path string, body []byte, opts *RequestOptions) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), opts)
}

// Get issues a GET to path. The caller owns the returned response body.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, opts *RequestOptions) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if opts != nil && opts.RequestID != "" {
		req.Header.Set("X-Request-ID", opts.RequestID)
	}
}
