// Package prompt builds the system prompts for chat and lead extraction.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Material is the static content injected into system prompts.
type Material struct {
	Company    CompanyInfo `yaml:"company"`
	Sales      SalesInfo   `yaml:"sales"`
	Chat       ChatPrompt  `yaml:"chat"`
	Extraction string      `yaml:"extraction"`

	// ReferenceDoc is free text about products, loaded separately.
	ReferenceDoc string `yaml:"-"`
}

// CompanyInfo describes the business the assistant represents.
type CompanyInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SalesInfo holds the fixed contact details handed out on request.
type SalesInfo struct {
	Email string `yaml:"email"`
	Phone string `yaml:"phone"`
}

// ChatPrompt holds behavioural instructions for the chat assistant.
type ChatPrompt struct {
	Instructions []string `yaml:"instructions"`
	Style        string   `yaml:"style"`
}

// Default returns the embedded prompt material.
func Default() (*Material, error) {
	return Parse(defaultPrompts)
}

// Parse decodes prompt material from YAML.
func Parse(data []byte) (*Material, error) {
	var m Material
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing prompts: %w", err)
	}
	if strings.TrimSpace(m.Extraction) == "" {
		return nil, fmt.Errorf("parsing prompts: extraction prompt is empty")
	}
	return &m, nil
}

// Load reads prompt material from path, or the embedded default when path is
// empty, and attaches the reference document at docPath if one is given.
func Load(path, docPath string) (*Material, error) {
	var (
		m   *Material
		err error
	)
	if path == "" {
		m, err = Default()
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompts: %w", err)
		}
		m, err = Parse(data)
	}
	if err != nil {
		return nil, err
	}

	if docPath != "" {
		doc, err := os.ReadFile(docPath)
		if err != nil {
			return nil, fmt.Errorf("reading reference document: %w", err)
		}
		m.ReferenceDoc = strings.TrimSpace(string(doc))
	}
	return m, nil
}

// ChatSystem renders the system prompt for customer-facing chat.
func (m *Material) ChatSystem() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s website chatbot.", m.Company.Name)
	if m.ReferenceDoc != "" {
		sb.WriteString(" Below is the company information and product details:\n")
		sb.WriteString(m.ReferenceDoc)
	}
	if d := strings.TrimSpace(m.Company.Description); d != "" {
		sb.WriteString("\n\n")
		sb.WriteString(d)
	}

	sb.WriteString("\n\nYour job is to:\n")
	replacer := strings.NewReplacer("{{sales_email}}", m.Sales.Email, "{{sales_phone}}", m.Sales.Phone)
	for i, instr := range m.Chat.Instructions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, replacer.Replace(instr))
	}
	if s := strings.TrimSpace(m.Chat.Style); s != "" {
		sb.WriteString("\n")
		sb.WriteString(s)
	}
	return strings.TrimSpace(sb.String())
}

// ExtractionSystem returns the system prompt for lead extraction.
func (m *Material) ExtractionSystem() string {
	return strings.TrimSpace(m.Extraction)
}
