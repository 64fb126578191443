package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/steveyegge/localsync/internal/schema"
)

// DefaultRequestTimeout bounds a single HTTP request.
const DefaultRequestTimeout = 5 * time.Second

// Client is an HTTP Authority.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the authority at baseURL. A zero timeout
// uses DefaultRequestTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the authority root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthURL returns the URL probed for connectivity.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}

// Fetch implements Authority.
func (c *Client) Fetch(ctx context.Context) (schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &snap); err != nil {
		return schema.Snapshot{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	snap.Normalize()
	return snap, nil
}

// Apply implements Authority.
func (c *Client) Apply(ctx context.Context, op schema.Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	if err := c.do(ctx, http.MethodPost, "/operations", body, nil); err != nil {
		return fmt.Errorf("failed to apply %s %d: %w", op.Type, op.Payload.ID, err)
	}
	return nil
}

// Health checks that the authority answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, &er)
		msg := er.Message
		if msg == "" {
			msg = er.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrNetwork, err)
	}
	return nil
}
