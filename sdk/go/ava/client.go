// Package ava is a small Go client for the AVA-Chain REST API.
package ava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AVA-Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the registry's task record.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	AssignedTo  string            `json:"assignedTo,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ToolResults []json.RawMessage `json:"toolResults,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Recovered   bool              `json:"recovered,omitempty"`
}

// ResultText returns the result as plain text when it is a JSON string.
func (t Task) ResultText() string {
	var s string
	if err := json.Unmarshal(t.Result, &s); err == nil {
		return s
	}
	return string(t.Result)
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Status string
	Limit  int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("ava api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ava api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateTask creates a task and assigns it to role. An empty role means observer.
func (c *Client) CreateTask(ctx context.Context, description, role string) (Task, error) {
	var t Task
	body := map[string]string{"description": description}
	if role != "" {
		body["role"] = role
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, body, &t)
	return t, err
}

// AssignTask reassigns an existing task.
func (c *Client) AssignTask(ctx context.Context, id, role string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/assign", nil, map[string]string{"role": role}, &t)
	return t, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &t)
	return t, err
}

// ListTasks lists in-memory tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out []Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks", q, nil, &out)
	return out, err
}

// WaitFor polls the task until it reaches a terminal status or ctx ends.
func (c *Client) WaitFor(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Status == "completed" || t.Status == "failed" {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
