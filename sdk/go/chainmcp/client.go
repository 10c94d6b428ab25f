// Package chainmcp is a Go client for the ChainMCP REST API.
package chainmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// wait_for_blocks can hold a request open for minutes; pass a client with a
// longer timeout when calling it.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the ChainMCP REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Tool describes a tool exposed by the server.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Health is the /healthz payload.
type Health struct {
	Status       string          `json:"status"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Breakers     json.RawMessage `json:"breakers,omitempty"`
}

// APIError is a classified failure reported by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RetryAfter time.Duration     `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("chainmcp api error (%d): %s - %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("chainmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainMCP API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the key sent as a bearer token on tool routes.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = strings.TrimSpace(key)
}

// ListTools returns the registered tools sorted by name.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	if err := c.do(ctx, http.MethodGet, "/api/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallTool invokes a tool with params and decodes its result into out. out may
// be nil when the result is not needed.
func (c *Client) CallTool(ctx context.Context, name string, params any, out any) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("chainmcp: tool name is empty")
	}
	body := []byte("{}")
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		body = encoded
	}
	var envelope struct {
		Tool   string          `json:"tool"`
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tools/"+url.PathEscape(name), body, &envelope); err != nil {
		return err
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

// Health fetches the health report. A failed subscription connection yields
// a 503 from the server, which is returned as the report rather than an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && h.Status != "" {
		return h, nil
	}
	return h, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
