// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider names accepted by LLM_PROVIDER.
const (
	ProviderBedrock   = "bedrock"
	ProviderAnthropic = "anthropic"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	SessionsDir    string
	ContactsDir    string
	DBPath         string
	SessionWindow  time.Duration
	Inference      InferenceConfig
	Worker         WorkerConfig
	Prompts        PromptConfig
}

// InferenceConfig controls the remote LLM client.
type InferenceConfig struct {
	Provider       string
	MaxTokens      int
	MaxAttempts    int
	RequestTimeout time.Duration

	// Bedrock
	Region              string
	InferenceProfileARN string
	AccessKeyID         string
	SecretAccessKey     string

	// Anthropic-compatible HTTP endpoint
	APIKey  string
	BaseURL string
	Model   string
}

// WorkerConfig controls the lead extraction worker.
type WorkerConfig struct {
	Enabled            bool
	PollInterval       time.Duration
	PersistCheckpoints bool
	HealthAddr         string
}

// PromptConfig points at the material injected into system prompts.
type PromptConfig struct {
	File             string
	ReferenceDocPath string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "5000"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		SessionsDir:    getEnv("SESSIONS_DIR", "./conversations"),
		ContactsDir:    getEnv("CONTACTS_DIR", "./contacts"),
		DBPath:         getEnv("DB_PATH", "./data/leads.db"),
		SessionWindow:  getEnvDuration("SESSION_WINDOW", 180*time.Second),
		Inference: InferenceConfig{
			Provider:            strings.ToLower(getEnv("LLM_PROVIDER", ProviderBedrock)),
			MaxTokens:           getEnvInt("LLM_MAX_TOKENS", 4096),
			MaxAttempts:         getEnvInt("LLM_MAX_ATTEMPTS", 5),
			RequestTimeout:      getEnvDuration("LLM_REQUEST_TIMEOUT", 60*time.Second),
			Region:              getEnv("AWS_REGION", ""),
			InferenceProfileARN: getEnv("INFERENCE_PROFILE_ARN", ""),
			AccessKeyID:         getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
			APIKey:              getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:             getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			Model:               getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		},
		Worker: WorkerConfig{
			Enabled:            getEnvBool("WORKER_ENABLED", false),
			PollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", 10*time.Second),
			PersistCheckpoints: getEnvBool("WORKER_PERSIST_CHECKPOINTS", false),
			HealthAddr:         getEnv("WORKER_HEALTH_ADDR", ":50061"),
		},
		Prompts: PromptConfig{
			File:             getEnv("PROMPTS_FILE", ""),
			ReferenceDocPath: getEnv("REFERENCE_DOC_PATH", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("SESSIONS_DIR cannot be empty")
	}
	if c.ContactsDir == "" {
		return fmt.Errorf("CONTACTS_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionWindow <= 0 {
		return fmt.Errorf("SESSION_WINDOW must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be > 0")
	}
	if c.Inference.MaxAttempts <= 0 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be > 0")
	}
	if c.Inference.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Inference.RequestTimeout <= 0 {
		return fmt.Errorf("LLM_REQUEST_TIMEOUT must be > 0")
	}

	switch c.Inference.Provider {
	case ProviderBedrock:
		if c.Inference.Region == "" {
			return fmt.Errorf("AWS_REGION is required for the bedrock provider")
		}
		if c.Inference.InferenceProfileARN == "" {
			return fmt.Errorf("INFERENCE_PROFILE_ARN is required for the bedrock provider")
		}
	case ProviderAnthropic:
		if c.Inference.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.Inference.Provider)
	}
	return nil
}

// IsDevelopment returns true if any origin is allowed.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("3m") or bare seconds ("180").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
