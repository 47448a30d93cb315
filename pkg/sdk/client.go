// Package sdk provides a Go client library for the task execution engine's
// HTTP surface (internal/opsserver): remote task execution, Turbo map, and
// pool stats. The health probes are not wrapped.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the task execution engine's HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	Tasks *TaskService
	Pools *PoolService
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithAPIKey sets the API key for authentication.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

// NewClient creates a new engine API client pointed at an opsserver's
// baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Tasks = &TaskService{client: c}
	c.Pools = &PoolService{client: c}

	return c
}

// request makes an HTTP request to the API.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpClient.Do(req)
}

// decodeResponse decodes a response body wrapped in the platform's standard
// {success, data, error} envelope (internal/platform/response.Response).
func (c *Client) decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *ErrorResponse  `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("sdk: decode response: %w", err)
	}

	if !envelope.Success {
		if envelope.Error != nil {
			return envelope.Error
		}
		return fmt.Errorf("sdk: request failed with status %d", resp.StatusCode)
	}

	if v != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, v)
	}
	return nil
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TaskService executes server-registered tasks over HTTP.
type TaskService struct {
	client *Client
}

// Execute runs the task registered under name and blocks for the result.
// The server always resolves (Safe mode): a task-level failure comes back
// as ExecuteResult.Status == "rejected" with Error populated, not as a
// transport error.
func (s *TaskService) Execute(ctx context.Context, name string, req *ExecuteRequest) (*ExecuteResult, error) {
	resp, err := s.client.request(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/execute", name), req)
	if err != nil {
		return nil, err
	}

	var result ExecuteResult
	if err := s.client.decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Map runs the task registered under name as a Turbo parallel map over
// items and blocks for the merged result.
func (s *TaskService) Map(ctx context.Context, name string, items []interface{}) (*TurboResult, error) {
	resp, err := s.client.request(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/map", name), &TurboRequest{Items: items})
	if err != nil {
		return nil, err
	}

	var result TurboResult
	if err := s.client.decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PoolService reads point-in-time pool occupancy.
type PoolService struct {
	client *Client
}

// Stats retrieves both pools' current occupancy and queue pressure.
func (s *PoolService) Stats(ctx context.Context) (*PoolStats, error) {
	resp, err := s.client.request(ctx, http.MethodGet, "/pools/stats", nil)
	if err != nil {
		return nil, err
	}

	var stats PoolStats
	if err := s.client.decodeResponse(resp, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
