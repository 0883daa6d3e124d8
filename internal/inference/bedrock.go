package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// bedrockAPI is the subset of the Bedrock runtime client we call.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockConfig holds settings for the Bedrock invoker.
type BedrockConfig struct {
	Region          string
	ModelID         string // inference profile ARN or model ID
	AccessKeyID     string
	SecretAccessKey string
}

// BedrockInvoker calls an Anthropic model through Amazon Bedrock.
type BedrockInvoker struct {
	api     bedrockAPI
	modelID string
}

// NewBedrockInvoker builds a Bedrock runtime client. Static credentials are
// used when both keys are set, otherwise the SDK default chain applies.
// SDK-level retries are disabled; Client owns the retry policy.
func NewBedrockInvoker(ctx context.Context, cfg BedrockConfig) (*BedrockInvoker, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockInvoker(bedrockruntime.NewFromConfig(awsCfg), cfg.ModelID), nil
}

func newBedrockInvoker(api bedrockAPI, modelID string) *BedrockInvoker {
	return &BedrockInvoker{api: api, modelID: modelID}
}

// Invoke performs a single InvokeModel call.
func (b *BedrockInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	payload := newMessagesRequest(req)
	payload.AnthropicVersion = bedrockAnthropicVersion

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal bedrock payload: %w", err)
	}

	out, err := b.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classifyBedrockError(err)
	}
	return decodeMessagesResponse(out.Body)
}

func classifyBedrockError(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return &RemoteError{Provider: "bedrock", Message: throttled.ErrorMessage(), Throttled: true, Err: err}
	}
	return &RemoteError{Provider: "bedrock", Err: err}
}
