package inference

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

const anthropicAPIVersion = "2023-06-01"

// AnthropicInvoker calls an Anthropic Messages compatible HTTP endpoint.
type AnthropicInvoker struct {
	opts       anthropicOptions
	httpClient *http.Client
}

// AnthropicOption configures an AnthropicInvoker.
type AnthropicOption func(*anthropicOptions)

type anthropicOptions struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// WithAPIKey sets the API key sent as X-API-Key.
func WithAPIKey(key string) AnthropicOption {
	return func(o *anthropicOptions) { o.apiKey = key }
}

// WithModel sets the model name.
func WithModel(model string) AnthropicOption {
	return func(o *anthropicOptions) { o.model = model }
}

// WithBaseURL sets the endpoint base, e.g. https://api.anthropic.com/v1.
func WithBaseURL(url string) AnthropicOption {
	return func(o *anthropicOptions) { o.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(o *anthropicOptions) { o.httpClient = client }
}

// NewAnthropicInvoker constructs an invoker for the Messages API.
func NewAnthropicInvoker(opts ...AnthropicOption) *AnthropicInvoker {
	o := anthropicOptions{
		baseURL: "https://api.anthropic.com/v1",
		timeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	return &AnthropicInvoker{opts: o, httpClient: o.httpClient}
}

// Invoke performs a single POST /messages call.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	payload := newMessagesRequest(req)
	payload.Model = a.opts.model

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.opts.baseURL, "/")+"/messages", buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.opts.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", &RemoteError{Provider: "anthropic", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &RemoteError{
			Provider:  "anthropic",
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(data)),
			Throttled: isThrottleStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read anthropic response: %w", err)
	}
	return decodeMessagesResponse(data)
}

// isThrottleStatus covers 429 rate limiting and 529 overloaded.
func isThrottleStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == 529
}
