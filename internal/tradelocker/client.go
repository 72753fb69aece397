// Package tradelocker is a thin client for the TradeLocker REST
// gateway: JWT auth, account enumeration, column-schema discovery,
// per-account trading tables and historical OHLCV bars.
package tradelocker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Default configuration values.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "broker-sync-lab/1.0"

	// bodyPreviewLimit caps how much of an error response is carried in
	// error messages and persisted lastError fields.
	bodyPreviewLimit = 300
)

// BaseURL returns the gateway base URL for a broker environment host.
// The host comes from the JWT payload (see ExtractJWTHost); an empty
// host falls back to the environment default.
func BaseURL(environment, jwtHost string) string {
	if jwtHost != "" {
		return "https://" + jwtHost + "/backend-api"
	}
	return fmt.Sprintf("https://%s.tradelocker.com/backend-api", environment)
}

// HTTPError is a non-2xx gateway response with a capped body preview.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tradelocker: status %d: %s", e.Status, e.Body)
}

// IsAuthError reports whether err is a 401 from the gateway.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized
}

// Client talks to one TradeLocker gateway. Safe for concurrent use.
type Client struct {
	client    *http.Client
	userAgent string
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a new gateway client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request and returns the raw body. Non-2xx statuses
// become *HTTPError with a capped body preview.
func (c *Client) do(ctx context.Context, method, url, accessToken, accNum string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if accNum != "" {
		req.Header.Set("accNum", accNum)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: bodyPreview(respBody)}
	}
	return respBody, nil
}

// bodyPreview truncates a response body for error reporting.
func bodyPreview(body []byte) string {
	s := string(body)
	if len(s) > bodyPreviewLimit {
		return s[:bodyPreviewLimit]
	}
	return s
}

// unwrap tolerates both the {"d": ...} envelope and a raw payload.
func unwrap(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if d := root.Get("d"); d.Exists() {
		return d
	}
	return root
}
