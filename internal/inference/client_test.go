package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teverse/leadchat/internal/domain"
)

type scriptedInvoker struct {
	mu      sync.Mutex
	errs    []error // consumed in order; nil means success
	reply   string
	calls   int
	lastReq Request
}

func (s *scriptedInvoker) Invoke(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastReq = req
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return s.reply, nil
}

func throttle() error {
	return &RemoteError{Provider: "test", Message: "slow down", Throttled: true}
}

func recordSleeps(waits *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

func TestGenerateSuccess(t *testing.T) {
	inv := &scriptedInvoker{reply: "Hello there"}
	c := New(inv, WithMaxTokens(128))

	res, err := c.Generate(context.Background(), []domain.Message{domain.UserMessage("hi")}, "be brief")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !res.OK() || res.Reply() != "Hello there" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}
	if inv.lastReq.System != "be brief" || inv.lastReq.MaxTokens != 128 {
		t.Fatalf("unexpected request: %+v", inv.lastReq)
	}
}

func TestGenerateRetriesThrottlingWithBackoff(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{throttle(), throttle(), nil}, reply: "ok"}
	var waits []time.Duration
	c := New(inv, recordSleeps(&waits), WithJitter(func() float64 { return 0.5 }))

	res, err := c.Generate(context.Background(), []domain.Message{domain.UserMessage("hi")}, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !res.OK() || res.Text != "ok" || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], waits[i])
		}
	}
}

func TestGenerateThrottlingExhausted(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{throttle(), throttle(), throttle(), throttle(), throttle()}}
	var waits []time.Duration
	c := New(inv, recordSleeps(&waits), WithJitter(func() float64 { return 0 }))

	res, err := c.Generate(context.Background(), []domain.Message{domain.UserMessage("hi")}, "")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !res.Throttled() {
		t.Fatalf("expected throttled result, got %+v", res)
	}
	if res.Reply() != ThrottledText {
		t.Fatalf("expected sentinel text, got %q", res.Reply())
	}
	if inv.calls != 5 || res.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got calls=%d attempts=%d", inv.calls, res.Attempts)
	}
	if len(waits) != 4 || waits[3] != 8*time.Second {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func TestGenerateRemoteErrorIsNotRetried(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{&RemoteError{Provider: "test", Status: 400, Message: "bad model"}}}
	var waits []time.Duration
	c := New(inv, recordSleeps(&waits))

	res, err := c.Generate(context.Background(), []domain.Message{domain.UserMessage("hi")}, "")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if res.OK() || res.Throttled() {
		t.Fatalf("expected remote failure, got %+v", res)
	}
	if !strings.HasPrefix(res.Reply(), "An error occurred: ") || !strings.Contains(res.Reply(), "bad model") {
		t.Fatalf("unexpected sentinel: %q", res.Reply())
	}
	if inv.calls != 1 || len(waits) != 0 {
		t.Fatalf("expected a single attempt without waits, calls=%d waits=%v", inv.calls, waits)
	}
}

func TestGenerateCanceledDuringBackoff(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{throttle(), throttle()}}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(inv, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Generate(ctx, []domain.Message{domain.UserMessage("hi")}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateEmptyConversation(t *testing.T) {
	c := New(&scriptedInvoker{})
	_, err := c.Generate(context.Background(), nil, "sys")
	if !errors.Is(err, ErrEmptyConversation) {
		t.Fatalf("expected ErrEmptyConversation, got %v", err)
	}
}

func TestBuildRequestFoldsSystemTurns(t *testing.T) {
	req := buildRequest([]domain.Message{
		{Role: domain.RoleSystem, Content: "extra rules"},
		domain.UserMessage("hi"),
		domain.AssistantMessage("hello"),
	}, "base prompt", 64)

	if req.System != "base prompt\n\nextra rules" {
		t.Fatalf("unexpected system prompt: %q", req.System)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != domain.RoleUser {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
}
