package lead

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/inference"
	"github.com/teverse/leadchat/internal/session"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.Local)

type fakeGenerator struct {
	mu      sync.Mutex
	replies []inference.Result
	calls   [][]domain.Message
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, conversation []domain.Message, systemPrompt string) (inference.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversation)
	f.prompts = append(f.prompts, systemPrompt)
	if len(f.replies) == 0 {
		return inference.Result{Text: janeJSON, Attempts: 1}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memIndex struct {
	mu    sync.Mutex
	leads map[string]domain.IndexedLead
}

func (m *memIndex) UpsertLead(_ context.Context, lead domain.IndexedLead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leads == nil {
		m.leads = make(map[string]domain.IndexedLead)
	}
	m.leads[lead.SessionName] = lead
	return nil
}

func (m *memIndex) ListLeads(_ context.Context, _ bool) ([]domain.IndexedLead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.IndexedLead, 0, len(m.leads))
	for _, l := range m.leads {
		out = append(out, l)
	}
	return out, nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]time.Time
}

func (m *memCheckpoints) LoadCheckpoints(_ context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, name string, modTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]time.Time)
	}
	m.saved[name] = modTime
	return nil
}

type fixture struct {
	sessions *session.FileStore
	contacts *ContactsDir
	gen      *fakeGenerator
	index    *memIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	sessions, err := session.NewFileStore(filepath.Join(root, "conversations"), session.DefaultWindow)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	contacts, err := NewContactsDir(filepath.Join(root, "contacts"))
	if err != nil {
		t.Fatalf("NewContactsDir failed: %v", err)
	}
	return &fixture{sessions: sessions, contacts: contacts, gen: &fakeGenerator{}, index: &memIndex{}}
}

func (f *fixture) worker(cfg Config) *Worker {
	cfg.SystemPrompt = "extract"
	if cfg.Index == nil {
		cfg.Index = f.index
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(f.sessions, f.contacts, f.gen, cfg)
}

func (f *fixture) writeSession(t *testing.T, at time.Time, msgs ...domain.Message) *session.Handle {
	t.Helper()
	h, err := f.sessions.Save(nil, at, msgs)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return h
}

func janeConversation() []domain.Message {
	return []domain.Message{
		domain.UserMessage("Hi, I'm Jane Doe"),
		domain.AssistantMessage("Hello Jane! How can we help?"),
		domain.UserMessage("Our deployments are slow. Call me on 0400 000 000."),
		domain.AssistantMessage("Thanks, our team will be in touch."),
	}
}

func TestRunOnceWritesCompleteLead(t *testing.T) {
	f := newFixture(t)
	h := f.writeSession(t, t0, janeConversation()...)
	w := f.worker(Config{})

	stats := w.RunOnce(context.Background())
	if stats.Written != 1 || stats.Processed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	got, err := f.contacts.Read(h.Name)
	if err != nil {
		t.Fatalf("Read lead failed: %v", err)
	}
	want := domain.Lead{Name: "Jane Doe", Phone: "0400 000 000", PainPoints: "slow deployments"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	raw, err := os.ReadFile(filepath.Join(f.contacts.dir, "lead_"+h.Name))
	if err != nil {
		t.Fatalf("read raw lead: %v", err)
	}
	if !strings.Contains(string(raw), `"email": ""`) {
		t.Fatalf("expected empty email to be written, got %s", raw)
	}

	if len(f.gen.calls) != 1 || len(f.gen.calls[0]) != 1 {
		t.Fatalf("expected one single-turn extraction call, got %+v", f.gen.calls)
	}
	turn := f.gen.calls[0][0]
	if turn.Role != domain.RoleUser || !strings.HasPrefix(turn.Content, "The Conversation so far: [") {
		t.Fatalf("unexpected extraction turn %+v", turn)
	}
	if !strings.Contains(turn.Content, "0400 000 000") {
		t.Fatal("transcript missing from extraction turn")
	}
	if f.gen.prompts[0] != "extract" {
		t.Fatalf("unexpected system prompt %q", f.gen.prompts[0])
	}

	indexed := f.index.leads[h.Name]
	if !indexed.IsComplete || indexed.Name != "Jane Doe" {
		t.Fatalf("unexpected index entry %+v", indexed)
	}
}

func TestRunOnceSkipsUnchangedSessions(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, t0, janeConversation()...)
	w := f.worker(Config{})

	w.RunOnce(context.Background())
	stats := w.RunOnce(context.Background())
	if f.gen.callCount() != 1 {
		t.Fatalf("expected one extraction call, got %d", f.gen.callCount())
	}
	if stats.SkippedSteady != 1 {
		t.Fatalf("expected one skipped session, got %+v", stats)
	}
}

func TestRunOnceReprocessesChangedSessions(t *testing.T) {
	f := newFixture(t)
	h := f.writeSession(t, t0, janeConversation()...)
	w := f.worker(Config{})
	w.RunOnce(context.Background())

	if _, err := f.sessions.AppendAndPersist(h, t0.Add(time.Second), domain.UserMessage("Email me too")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.Path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.RunOnce(context.Background())
	if f.gen.callCount() != 2 {
		t.Fatalf("expected the changed session to be reprocessed, got %d calls", f.gen.callCount())
	}
}

func TestRunOnceIsIdempotentAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	h := f.writeSession(t, t0, janeConversation()...)

	f.worker(Config{}).RunOnce(context.Background())
	first, err := os.ReadFile(filepath.Join(f.contacts.dir, FileName(h.Name)))
	if err != nil {
		t.Fatalf("read lead: %v", err)
	}

	// A fresh worker has no checkpoints and reprocesses everything.
	f.worker(Config{}).RunOnce(context.Background())
	second, err := os.ReadFile(filepath.Join(f.contacts.dir, FileName(h.Name)))
	if err != nil {
		t.Fatalf("read lead: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("lead file changed across restarts:\n%s\n%s", first, second)
	}

	entries, err := os.ReadDir(f.contacts.dir)
	if err != nil {
		t.Fatalf("read contacts dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one lead file, got %d", len(entries))
	}
}

func TestRunOnceIncompleteLeadWritesNoFile(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []inference.Result{{Text: `{"name": "Jane Doe", "phone": "", "email": "jane@example.com", "pain_points": ""}`}}
	h := f.writeSession(t, t0, domain.UserMessage("I'm Jane"), domain.AssistantMessage("Hi Jane"))
	w := f.worker(Config{})

	stats := w.RunOnce(context.Background())
	if stats.Incomplete != 1 || stats.Written != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(f.contacts.dir, FileName(h.Name))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no lead file, got %v", err)
	}
	if l, ok := f.index.leads[h.Name]; !ok || l.IsComplete {
		t.Fatalf("expected partial lead in index, got %+v (ok=%v)", l, ok)
	}
	if _, ok := w.Checkpoint(h.Name); !ok {
		t.Fatal("expected checkpoint to advance")
	}
}

func TestRunOnceMalformedReplyAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []inference.Result{{Text: "Sorry, I can't help with that."}}
	h := f.writeSession(t, t0, janeConversation()...)
	w := f.worker(Config{})

	stats := w.RunOnce(context.Background())
	if stats.Unparsable != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := w.Checkpoint(h.Name); !ok {
		t.Fatal("expected checkpoint to advance after an unparsable reply")
	}

	w.RunOnce(context.Background())
	if f.gen.callCount() != 1 {
		t.Fatalf("unchanged session must not be retried, got %d calls", f.gen.callCount())
	}
}

func TestRunOnceDegradedInferenceAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []inference.Result{{Text: inference.ThrottledText, Err: inference.ErrThrottled, Attempts: 5}}
	h := f.writeSession(t, t0, janeConversation()...)
	w := f.worker(Config{})

	stats := w.RunOnce(context.Background())
	if stats.Degraded != 1 || stats.Written != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := w.Checkpoint(h.Name); !ok {
		t.Fatal("expected checkpoint to advance")
	}
}

func TestRunOnceReadFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	name := "chat_20250314_093000.json"
	if err := os.WriteFile(filepath.Join(f.sessions.Dir(), name), []byte("[{"), 0o644); err != nil {
		t.Fatalf("write corrupt session: %v", err)
	}
	w := f.worker(Config{})

	stats := w.RunOnce(context.Background())
	if stats.Errors != 1 || f.gen.callCount() != 0 {
		t.Fatalf("unexpected stats %+v, calls %d", stats, f.gen.callCount())
	}
	if _, ok := w.Checkpoint(name); ok {
		t.Fatal("checkpoint must not advance on read failure")
	}
}

func TestRunOnceNeverWritesSessionsDir(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, t0, janeConversation()...)
	before, err := os.ReadDir(f.sessions.Dir())
	if err != nil {
		t.Fatalf("read sessions dir: %v", err)
	}

	f.worker(Config{}).RunOnce(context.Background())

	after, err := os.ReadDir(f.sessions.Dir())
	if err != nil {
		t.Fatalf("read sessions dir: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("sessions dir changed: %d -> %d entries", len(before), len(after))
	}
}

func TestRunRestoresPersistedCheckpoints(t *testing.T) {
	f := newFixture(t)
	h := f.writeSession(t, t0, janeConversation()...)
	info, err := os.Stat(h.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	cps := &memCheckpoints{saved: map[string]time.Time{h.Name: info.ModTime()}}
	w := f.worker(Config{Checkpoints: cps, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := w.Checkpoint(h.Name); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("checkpoints were not restored")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if f.gen.callCount() != 0 {
		t.Fatalf("restored checkpoint must suppress reprocessing, got %d calls", f.gen.callCount())
	}
}

func TestMarkProcessedPersistsCheckpoint(t *testing.T) {
	f := newFixture(t)
	h := f.writeSession(t, t0, janeConversation()...)
	cps := &memCheckpoints{}
	w := f.worker(Config{Checkpoints: cps})

	w.RunOnce(context.Background())
	saved, _ := cps.LoadCheckpoints(context.Background())
	if _, ok := saved[h.Name]; !ok {
		t.Fatalf("expected persisted checkpoint for %s, got %v", h.Name, saved)
	}
}
