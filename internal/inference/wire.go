package inference

import (
	"encoding/json"
	"fmt"
	"strings"
)

// bedrockAnthropicVersion is the API version Bedrock expects in the body.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// messagesRequest is the Anthropic Messages body, shared by Bedrock and the
// direct HTTP endpoint.
type messagesRequest struct {
	AnthropicVersion string        `json:"anthropic_version,omitempty"`
	Model            string        `json:"model,omitempty"`
	MaxTokens        int           `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Messages         []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
}

func (r messagesResponse) joinText() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func newMessagesRequest(req Request) messagesRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return messagesRequest{
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  msgs,
	}
}

func decodeMessagesResponse(data []byte) (string, error) {
	var resp messagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("messages response has no content")
	}
	return resp.joinText(), nil
}
