package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teverse/leadchat/internal/domain"
)

const tracerName = "github.com/teverse/leadchat/internal/inference"

// Client wraps an Invoker with bounded retry on throttling.
type Client struct {
	invoker        Invoker
	maxTokens      int
	maxAttempts    int
	requestTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	jitter         func() float64
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens sets the output token cap sent with every request.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithMaxAttempts sets how many times a throttled call is attempted.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithRequestTimeout bounds each individual remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the uniform [0,1) jitter source.
func WithJitter(jitter func() float64) Option {
	return func(c *Client) { c.jitter = jitter }
}

// New creates a Client around the given invoker.
func New(invoker Invoker, opts ...Option) *Client {
	c := &Client{
		invoker:        invoker,
		maxTokens:      4096,
		maxAttempts:    5,
		requestTimeout: 60 * time.Second,
		sleep:          sleepContext,
		jitter:         rand.Float64,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	return c
}

// Generate sends the conversation with the system prompt and returns the
// completion. Remote failures are reported in the Result, with sentinel
// text, not as an error. The returned error is non-nil only when the call
// could not be made at all (empty conversation, caller context done).
func (c *Client) Generate(ctx context.Context, conversation []domain.Message, systemPrompt string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "inference.generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req := buildRequest(conversation, systemPrompt, c.maxTokens)
	if len(req.Messages) == 0 {
		span.SetStatus(codes.Error, ErrEmptyConversation.Error())
		return Result{}, ErrEmptyConversation
	}
	span.SetAttributes(
		attribute.Int("inference.messages", len(req.Messages)),
		attribute.Int("inference.max_tokens", req.MaxTokens),
	)

	res, err := c.generate(ctx, req)
	span.SetAttributes(attribute.Int("inference.attempts", res.Attempts))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Throttled():
		span.SetAttributes(attribute.String("inference.outcome", "throttled"))
		span.SetStatus(codes.Error, res.Err.Error())
	case !res.OK():
		span.SetAttributes(attribute.String("inference.outcome", "error"))
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	default:
		span.SetAttributes(attribute.String("inference.outcome", "ok"))
	}
	return res, err
}

func (c *Client) generate(ctx context.Context, req Request) (Result, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		text, err := c.invokeOnce(ctx, req)
		if err == nil {
			return Result{Text: text, Attempts: attempt + 1}, nil
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt + 1}, fmt.Errorf("inference aborted: %w", ctx.Err())
		}
		if !errors.Is(err, ErrThrottled) {
			c.logger.Error("Inference call failed", "error", err, "attempt", attempt+1)
			return Result{Text: errorText(err), Err: err, Attempts: attempt + 1}, nil
		}

		// No wait after the final attempt.
		if attempt == c.maxAttempts-1 {
			break
		}
		wait := c.backoff(attempt)
		c.logger.Warn("Throttled, retrying",
			"attempt", attempt+1,
			"max_attempts", c.maxAttempts,
			"wait", wait.Round(10*time.Millisecond),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return Result{Attempts: attempt + 1}, fmt.Errorf("inference aborted during backoff: %w", err)
		}
	}

	c.logger.Error("Inference throttled, retries exhausted", "attempts", c.maxAttempts)
	return Result{
		Text:     ThrottledText,
		Err:      fmt.Errorf("%w after %d attempts", ErrThrottled, c.maxAttempts),
		Attempts: c.maxAttempts,
	}, nil
}

func (c *Client) invokeOnce(ctx context.Context, req Request) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.invoker.Invoke(ctx, req)
}

// backoff returns 2^attempt seconds plus uniform [0,1) seconds of jitter.
func (c *Client) backoff(attempt int) time.Duration {
	secs := float64(int64(1)<<min(attempt, 30)) + c.jitter()
	return time.Duration(secs * float64(time.Second))
}

// buildRequest folds any system turns into the system prompt so the remote
// side only sees user and assistant turns.
func buildRequest(conversation []domain.Message, systemPrompt string, maxTokens int) Request {
	system := []string{strings.TrimSpace(systemPrompt)}
	msgs := make([]domain.Message, 0, len(conversation))
	for _, m := range conversation {
		if m.Role == domain.RoleSystem {
			system = append(system, strings.TrimSpace(m.Content))
			continue
		}
		msgs = append(msgs, m)
	}
	return Request{
		System:    strings.TrimSpace(strings.Join(system, "\n\n")),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
