package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the onboarding backend. It has no local state beyond the
// HTTP client itself; callers apply fetched data to their own state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
}

// NewClient creates a backend client with a bounded per-request timeout and
// a fixed retry policy for transport-level failures.
func NewClient(baseURL string, timeout time.Duration, attempts int, retryDelay time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   attempts,
		retryDelay: retryDelay,
	}
}

// FetchConfig retrieves the agent config snapshot for a user.
func (c *Client) FetchConfig(ctx context.Context, userID string) (*AgentConfig, error) {
	endpoint := "/onboarding/agent/config?user_id=" + url.QueryEscape(userID)
	data, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var body configBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &APIError{Endpoint: "/onboarding/agent/config", Message: fmt.Sprintf("malformed config body: %v", err)}
	}
	return body.toAgentConfig(), nil
}

// FetchToken exchanges for a short-lived realtime session credential.
func (c *Client) FetchToken(ctx context.Context, model, userID string) (string, error) {
	payload := map[string]string{"model": model, "user_id": userID}
	data, err := c.do(ctx, http.MethodPost, "/onboarding/agent/token", payload)
	if err != nil {
		return "", err
	}

	var body struct {
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", &APIError{Endpoint: "/onboarding/agent/token", Message: fmt.Sprintf("malformed token body: %v", err)}
	}
	if body.ClientSecret == "" {
		return "", &APIError{Endpoint: "/onboarding/agent/token", Message: "empty client_secret"}
	}
	return body.ClientSecret, nil
}

// ExecuteTool runs a tool call on the backend and returns its raw output.
// The caller is responsible for echoing the result (or a failure payload)
// back to the realtime session.
func (c *Client) ExecuteTool(ctx context.Context, userID, toolName string, arguments json.RawMessage) (json.RawMessage, error) {
	payload := map[string]any{
		"user_id":   userID,
		"tool_name": toolName,
		"arguments": arguments,
	}
	data, err := c.do(ctx, http.MethodPost, "/onboarding/agent/tool", payload)
	if err != nil {
		return nil, err
	}

	// The tool endpoint responds with either {output} or {data:{output}}.
	var body struct {
		Output json.RawMessage `json:"output"`
		Data   struct {
			Output json.RawMessage `json:"output"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &APIError{Endpoint: "/onboarding/agent/tool", Message: fmt.Sprintf("malformed tool body: %v", err)}
	}
	if len(body.Output) > 0 {
		return body.Output, nil
	}
	if len(body.Data.Output) > 0 {
		return body.Data.Output, nil
	}
	return data, nil
}

// SyncState pushes a local state snapshot to the backend. Best effort: the
// caller keeps its sync-pending flag on failure and retries later.
func (c *Client) SyncState(ctx context.Context, userID string, state any) error {
	payload := map[string]any{"user_id": userID, "state": state}
	_, err := c.do(ctx, http.MethodPost, "/onboarding/agent/sync", payload)
	return err
}

// do issues one request with the fixed retry policy. Only transport-level
// failures are retried; a non-2xx status or an error envelope is terminal.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", endpoint, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		data, err := c.doOnce(ctx, method, endpoint, body)
		if err == nil {
			return data, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("backend %s: %d attempt(s) failed: %w", endpoint, c.attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: string(truncate(raw, 256))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: msg}
	}
	if len(env.Data) == 0 {
		return json.RawMessage("{}"), nil
	}
	return env.Data, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
