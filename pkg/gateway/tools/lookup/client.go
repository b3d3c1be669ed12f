package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds how much of a lookup response is read.
const maxResponseBytes int64 = 1 << 20

// Request is the body posted to the lookup service.
type Request struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id"`
}

// StatusError is returned when the lookup service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("lookup service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("lookup service returned status %d: %s", e.StatusCode, e.Body)
}

// Client posts tool invocations to the external lookup service.
type Client struct {
	token      string
	url        string
	httpClient *http.Client
}

func NewClient(url, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		token:      strings.TrimSpace(token),
		url:        strings.TrimSpace(url),
		httpClient: httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.url != ""
}

// Lookup performs one request/response round trip and returns the raw JSON
// document the service answered with.
func (c *Client) Lookup(ctx context.Context, in Request) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("lookup url is not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := readBodyLimited(resp, 8192)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	b, err := readBodyLimited(resp, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("decode response: invalid json payload")
	}
	return json.RawMessage(b), nil
}

func readBodyLimited(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("response body is empty")
	}
	lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds maximum size %d bytes", limit)
	}
	return b, nil
}
