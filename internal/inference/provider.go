package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teverse/leadchat/internal/config"
)

// NewFromConfig builds the invoker selected by cfg.Provider and wraps it in
// a retrying Client.
func NewFromConfig(ctx context.Context, cfg config.InferenceConfig, logger *slog.Logger) (*Client, error) {
	var invoker Invoker
	switch cfg.Provider {
	case config.ProviderBedrock:
		b, err := NewBedrockInvoker(ctx, BedrockConfig{
			Region:          cfg.Region,
			ModelID:         cfg.InferenceProfileARN,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		invoker = b
	case config.ProviderAnthropic:
		invoker = NewAnthropicInvoker(
			WithAPIKey(cfg.APIKey),
			WithBaseURL(cfg.BaseURL),
			WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}

	logger.Info("Inference client configured", "provider", cfg.Provider, "max_attempts", cfg.MaxAttempts)
	return New(invoker,
		WithMaxTokens(cfg.MaxTokens),
		WithMaxAttempts(cfg.MaxAttempts),
		WithRequestTimeout(cfg.RequestTimeout),
		WithLogger(logger),
	), nil
}
