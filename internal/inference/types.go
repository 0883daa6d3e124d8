// Package inference sends conversations to the remote LLM and returns text.
package inference

import (
	"context"
	"errors"

	"github.com/teverse/leadchat/internal/domain"
)

// Sentinel reply texts used when a call fails. Callers persist these as the
// assistant turn so the conversation stays usable.
const (
	ThrottledText   = "Failed after several retries due to throttling."
	errorTextPrefix = "An error occurred: "
)

// Request is one remote call: a system prompt and the conversation turns.
type Request struct {
	System    string
	Messages  []domain.Message
	MaxTokens int
}

// Invoker performs exactly one remote inference call without retrying.
// Throttling must be reported with an error matching ErrThrottled.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Generator produces a reply for a conversation under a system prompt.
type Generator interface {
	Generate(ctx context.Context, conversation []domain.Message, systemPrompt string) (Result, error)
}

// Ensure Client implements Generator.
var _ Generator = (*Client)(nil)

// Result carries either a completion or a typed failure. Text is always
// populated: on failure it holds the sentinel text for that failure.
type Result struct {
	Text     string
	Err      error
	Attempts int
}

// OK returns true if the remote call produced a completion.
func (r Result) OK() bool {
	return r.Err == nil
}

// Throttled returns true if the call failed because retries were exhausted.
func (r Result) Throttled() bool {
	return errors.Is(r.Err, ErrThrottled)
}

// Reply returns the text to show the user, which is the sentinel on failure.
func (r Result) Reply() string {
	return r.Text
}

func errorText(err error) string {
	return errorTextPrefix + err.Error()
}
