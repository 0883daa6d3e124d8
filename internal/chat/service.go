// Package chat turns one user query into one persisted exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/inference"
	"github.com/teverse/leadchat/internal/session"
)

var (
	// ErrEmptyQuery is returned for a blank user query. Nothing is persisted.
	ErrEmptyQuery = errors.New("no query provided")
	// ErrInferenceFailure is returned when no reply, not even a sentinel one,
	// could be produced. Nothing is persisted.
	ErrInferenceFailure = errors.New("inference failed")
)

// SessionStore is the part of the session store the service needs.
type SessionStore interface {
	ResolveActive(now time.Time) (*session.Handle, error)
	Load(h *session.Handle) ([]domain.Message, error)
	Save(h *session.Handle, now time.Time, msgs []domain.Message) (*session.Handle, error)
}

// Reply is the outcome of one handled query.
type Reply struct {
	Text        string
	SessionName string
	// Degraded is set when Text is a failure sentinel rather than a completion.
	Degraded bool
}

// Service handles chat queries.
type Service struct {
	sessions     SessionStore
	generator    inference.Generator
	systemPrompt string
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a chat service.
func NewService(sessions SessionStore, generator inference.Generator, systemPrompt string, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		generator:    generator,
		systemPrompt: systemPrompt,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle resolves the active session, asks the model for a reply with the
// session history as context, and persists the user and assistant turns.
// Degraded inference still yields a reply and is persisted.
//
// The session is not locked between resolve and save. Two concurrent
// requests landing in the same session both overwrite it with their own
// view, and the later save wins.
func (s *Service) Handle(ctx context.Context, query string) (Reply, error) {
	if strings.TrimSpace(query) == "" {
		return Reply{}, ErrEmptyQuery
	}

	now := s.now()
	h, history, err := s.resolve(now)
	if err != nil {
		return Reply{}, err
	}

	user := domain.UserMessage(query)
	conversation := append(history, user)

	res, err := s.generator.Generate(ctx, conversation, s.systemPrompt)
	if err != nil {
		s.logger.Error("Chat inference failed", "error", err)
		return Reply{}, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	if !res.OK() {
		s.logger.Warn("Chat inference degraded", "error", res.Err, "attempts", res.Attempts)
	}

	h, err = s.sessions.Save(h, now, append(conversation, domain.AssistantMessage(res.Reply())))
	if err != nil {
		return Reply{}, err
	}

	return Reply{Text: res.Reply(), SessionName: h.Name, Degraded: !res.OK()}, nil
}

func (s *Service) resolve(now time.Time) (*session.Handle, []domain.Message, error) {
	h, err := s.sessions.ResolveActive(now)
	if err != nil || h == nil {
		return nil, nil, err
	}
	history, err := s.sessions.Load(h)
	if err != nil {
		return nil, nil, err
	}
	return h, history, nil
}
