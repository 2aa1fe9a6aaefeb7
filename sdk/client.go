// Package decisra is the Go client for the Decisra live-session
// backend: session admission (join requests, host queue), resilient
// server-push subscriptions, and the quota-gated verdict assistant
// stream.
//
// The client itself is stateless plumbing; long-lived state machines
// (AdmissionFlow, HostQueue, AssistantSession) are created per session
// and hold their own persisted state in the configured kv store.
package decisra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decisra/decisra-go/pkg/kv"
)

// Client is the entry point for the SDK.
type Client struct {
	Sessions *SessionsService

	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	store      kv.Store
	visibility Visibility
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the backend base URL (scheme + host, no trailing
// slash required).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithStore sets the local cache used for join records, pending request
// ids and assistant quota state. Defaults to an in-memory store; use
// kv.NewSQLite to survive restarts.
func WithStore(s kv.Store) ClientOption {
	return func(c *Client) {
		c.store = s
	}
}

// WithVisibility sets the visibility source used to pin reconnect
// backoff while the consuming context is backgrounded.
func WithVisibility(v Visibility) ClientOption {
	return func(c *Client) {
		c.visibility = v
	}
}

// NewClient creates a client for the given backend.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		logger:     slog.Default(),
		store:      kv.NewMemory(),
		visibility: AlwaysVisible{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Sessions = &SessionsService{client: c}
	return c
}

// Store returns the local cache backing this client.
func (c *Client) Store() kv.Store { return c.store }

func (c *Client) apiURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// websocketURL turns a stream endpoint from a preflight response into a
// dialable ws(s) URL. Absolute ws URLs pass through; paths are resolved
// against the client base URL.
func (c *Client) websocketURL(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("resolve stream endpoint %q: invalid base URL", endpoint)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("resolve stream endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// doJSON performs a JSON request against the backend. A non-empty
// bearer is sent as an Authorization header. Non-2xx responses decode
// into an APIError carrying the backend's error message when present.
func (c *Client) doJSON(ctx context.Context, method, path string, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.apiURL(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if len(body) > 0 {
		apiErr.Payload = append(json.RawMessage(nil), body...)
		var envelope struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
		}
	}
	return apiErr
}
