package lead

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/shared"
)

const contactPrefix = "lead_"

// ContactsDir stores one JSON lead file per source session.
type ContactsDir struct {
	dir string
}

// NewContactsDir creates the contacts directory if needed.
func NewContactsDir(dir string) (*ContactsDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create contacts directory: %w", err)
	}
	return &ContactsDir{dir: dir}, nil
}

// FileName returns the lead file name for a session file name.
func FileName(sessionName string) string {
	return contactPrefix + sessionName
}

// Write creates or replaces the lead file for sessionName and returns its path.
func (c *ContactsDir) Write(sessionName string, lead domain.Lead) (string, error) {
	data, err := json.MarshalIndent(lead, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode lead: %w", err)
	}
	name := FileName(sessionName)
	if err := shared.WriteFileAtomic(c.dir, name, data, 0o644); err != nil {
		return "", fmt.Errorf("write lead %s: %w", name, err)
	}
	return filepath.Join(c.dir, name), nil
}

// Read loads the lead file for sessionName.
func (c *ContactsDir) Read(sessionName string) (domain.Lead, error) {
	var lead domain.Lead
	data, err := os.ReadFile(filepath.Join(c.dir, FileName(sessionName)))
	if err != nil {
		return lead, fmt.Errorf("read lead: %w", err)
	}
	if err := json.Unmarshal(data, &lead); err != nil {
		return lead, fmt.Errorf("decode lead: %w", err)
	}
	return lead, nil
}
