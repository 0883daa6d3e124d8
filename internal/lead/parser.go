// Package lead extracts contact details from chat sessions in the background.
package lead

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/teverse/leadchat/internal/domain"
)

// ErrUnparsable means no candidate in the model reply decoded to an object.
var ErrUnparsable = errors.New("extraction reply is not a JSON object")

const fence = "```"

// ParseExtraction decodes the model's extraction reply. Candidates are tried
// in order: the body of a ```json fence, the raw reply, then the body of the
// first unlabeled fence.
func ParseExtraction(reply string) (domain.Lead, error) {
	var lastErr error
	for _, candidate := range extractionCandidates(reply) {
		lead, err := decodeLead(candidate)
		if err == nil {
			return lead, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("empty reply")
	}
	return domain.Lead{}, fmt.Errorf("%w: %v", ErrUnparsable, lastErr)
}

type fencedBlock struct {
	body   string
	isJSON bool
}

func extractionCandidates(reply string) []string {
	blocks := fencedBlocks(reply)

	var out []string
	for _, b := range blocks {
		if b.isJSON {
			out = append(out, b.body)
			break
		}
	}
	out = append(out, reply)
	if len(blocks) > 0 {
		out = append(out, blocks[0].body)
	}
	return out
}

// fencedBlocks splits reply into its fenced blocks. A "json" label right
// after the opening fence, in any case, is stripped and recorded. An
// unclosed fence runs to the end of the reply.
func fencedBlocks(reply string) []fencedBlock {
	var blocks []fencedBlock
	rest := reply
	for {
		start := strings.Index(rest, fence)
		if start == -1 {
			return blocks
		}
		rest = rest[start+len(fence):]

		var b fencedBlock
		if len(rest) >= len("json") && strings.EqualFold(rest[:len("json")], "json") {
			b.isJSON = true
			rest = rest[len("json"):]
		}

		end := strings.Index(rest, fence)
		if end == -1 {
			b.body = rest
			return append(blocks, b)
		}
		b.body = rest[:end]
		blocks = append(blocks, b)
		rest = rest[end+len(fence):]
	}
}

func decodeLead(candidate string) (domain.Lead, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return domain.Lead{}, errors.New("empty candidate")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return domain.Lead{}, err
	}
	if fields == nil {
		return domain.Lead{}, errors.New("null object")
	}

	return domain.Lead{
		Name:       fieldString(fields["name"]),
		Phone:      fieldString(fields["phone"]),
		Email:      fieldString(fields["email"]),
		PainPoints: fieldString(fields["pain_points"]),
	}, nil
}

// fieldString flattens whatever the model put in a field into text.
func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := fieldString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}
