package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/teverse/leadchat/internal/domain"
)

type roundTrip func(*http.Request) (*http.Response, error)

func (r roundTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	return r(req)
}

func jsonResponse(status int, v any) *http.Response {
	buf, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(buf)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestAnthropicInvoke(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		if req.Header.Get("X-API-Key") != "key" {
			t.Fatalf("missing api key header")
		}
		var payload messagesRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Model != "claude-test" || payload.System != "sys" || payload.MaxTokens != 256 {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if len(payload.Messages) != 1 || payload.Messages[0].Role != "user" {
			t.Fatalf("unexpected messages: %+v", payload.Messages)
		}
		return jsonResponse(http.StatusOK, messagesResponse{
			ID:      "msg_1",
			Content: []wireContent{{Type: "text", Text: "Hello"}, {Type: "text", Text: " world"}},
		}), nil
	})

	inv := NewAnthropicInvoker(
		WithAPIKey("key"),
		WithModel("claude-test"),
		WithBaseURL("https://example.test/v1/"),
		WithHTTPClient(&http.Client{Transport: transport}),
	)

	text, err := inv.Invoke(context.Background(), Request{
		System:    "sys",
		Messages:  []domain.Message{domain.UserMessage("hi")},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestAnthropicInvokeClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		throttled bool
	}{
		{http.StatusTooManyRequests, true},
		{529, true},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		transport := roundTrip(func(*http.Request) (*http.Response, error) {
			return jsonResponse(tt.status, map[string]string{"error": "nope"}), nil
		})
		inv := NewAnthropicInvoker(WithHTTPClient(&http.Client{Transport: transport}))

		_, err := inv.Invoke(context.Background(), Request{Messages: []domain.Message{domain.UserMessage("hi")}})
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("status %d: expected RemoteError, got %v", tt.status, err)
		}
		if remote.Status != tt.status {
			t.Errorf("status %d: got %d", tt.status, remote.Status)
		}
		if errors.Is(err, ErrThrottled) != tt.throttled {
			t.Errorf("status %d: throttled=%v, want %v", tt.status, !tt.throttled, tt.throttled)
		}
	}
}
