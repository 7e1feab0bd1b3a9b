// Package upstream issues the outbound provider calls.
//
// The client never retries: a failed or timed-out upstream call surfaces to
// the downstream caller as a synthetic 502 so the agent driving the proxy can
// decide what to do with it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnthropicVersion is sent on every Anthropic upstream request.
const AnthropicVersion = "2023-06-01"

// Result is a completed upstream exchange.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsEventStream reports whether the upstream answered with SSE.
func (r Result) IsEventStream() bool {
	return strings.Contains(strings.ToLower(r.ContentType), "text/event-stream")
}

type Client struct {
	client *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client: &http.Client{},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// PostJSON posts the payload and reads the full response body. Transport
// failures (connection refused, timeout) do not return an error; they become
// a synthetic 502 result carrying an Anthropic-shaped error body so callers
// have a single status-code path.
func (c *Client) PostJSON(ctx context.Context, url string, payload any, headers map[string]string, timeout time.Duration) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode upstream payload: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return networkErrorResult(err), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkErrorResult(err), nil
	}

	return Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func networkErrorResult(err error) Result {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "network_error",
			"message": err.Error(),
		},
	})
	return Result{
		StatusCode:  http.StatusBadGateway,
		ContentType: "application/json",
		Body:        body,
	}
}

// JoinURL appends a path suffix to a base URL unless the base already ends
// with it, so both "https://host/v1" and "https://host/v1/chat/completions"
// are accepted as bases.
func JoinURL(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base + suffix
}
