package domain

import (
	"strings"
	"time"
)

// Lead is contact information extracted from a conversation.
// Every field may be empty; the record is derived, never authoritative.
type Lead struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	PainPoints string `json:"pain_points"`
}

// Complete returns true when both name and phone are present.
func (l Lead) Complete() bool {
	return strings.TrimSpace(l.Name) != "" && strings.TrimSpace(l.Phone) != ""
}

// IndexedLead is a lead row in the queryable index, keyed by source session.
type IndexedLead struct {
	Lead
	SessionName string    `json:"session"`
	IsComplete  bool      `json:"complete"`
	ExtractedAt time.Time `json:"extracted_at"`
}
