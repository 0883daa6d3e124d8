package lead

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/inference"
	"github.com/teverse/leadchat/internal/session"
	"github.com/teverse/leadchat/internal/store"
)

// DefaultInterval is the pause between extraction passes.
const DefaultInterval = 10 * time.Second

const conversationPrefix = "The Conversation so far: "

// SessionSource is the read-only view of the sessions directory.
type SessionSource interface {
	List() ([]session.FileInfo, error)
	ReadSnapshot(name string) ([]domain.Message, error)
}

// ContactWriter stores complete leads.
type ContactWriter interface {
	Write(sessionName string, lead domain.Lead) (string, error)
}

// Config holds optional worker settings.
type Config struct {
	Interval     time.Duration
	SystemPrompt string

	// Index, when set, receives every parsed lead, complete or not.
	Index store.LeadIndex

	// Checkpoints, when set, makes processed modification times survive restarts.
	Checkpoints store.CheckpointStore
	Logger      *slog.Logger
}

// PassStats summarises one extraction pass.
type PassStats struct {
	Scanned       int
	Processed     int
	Written       int
	Incomplete    int
	Unparsable    int
	Degraded      int
	Errors        int
	SkippedSteady int
}

// Worker scans session files and extracts leads from new or changed ones.
// It never writes to the sessions directory.
type Worker struct {
	sessions  SessionSource
	contacts  ContactWriter
	generator inference.Generator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	checkpoints map[string]time.Time
}

// NewWorker creates a worker.
func NewWorker(sessions SessionSource, contacts ContactWriter, generator inference.Generator, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sessions:    sessions,
		contacts:    contacts,
		generator:   generator,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		checkpoints: make(map[string]time.Time),
	}
}

// Run performs a pass immediately and then one per interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.restoreCheckpoints(ctx); err != nil {
		w.logger.Warn("Lead worker could not restore checkpoints, reprocessing all sessions", "error", err)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("Lead worker started", "interval", w.cfg.Interval)

	for {
		stats := w.RunOnce(ctx)
		if stats.Processed > 0 || stats.Errors > 0 {
			w.logger.Info("Lead worker pass completed",
				"scanned", stats.Scanned,
				"processed", stats.Processed,
				"written", stats.Written,
				"incomplete", stats.Incomplete,
				"unparsable", stats.Unparsable,
				"degraded", stats.Degraded,
				"errors", stats.Errors,
			)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.logger.Info("Lead worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce processes every session file whose modification time is newer
// than its checkpoint. A checkpoint advances after any completed extraction
// attempt, including unparsable or degraded replies, so a permanently bad
// reply is not retried until the session changes again. Read and write
// failures leave the checkpoint untouched.
func (w *Worker) RunOnce(ctx context.Context) PassStats {
	var stats PassStats

	files, err := w.sessions.List()
	if err != nil {
		w.logger.Error("Lead worker failed to list sessions", "error", err)
		stats.Errors++
		return stats
	}
	stats.Scanned = len(files)

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.Name] = struct{}{}
		if ctx.Err() != nil {
			return stats
		}
		if last, ok := w.Checkpoint(f.Name); ok && !f.ModTime.After(last) {
			stats.SkippedSteady++
			continue
		}
		w.process(ctx, f, &stats)
	}
	w.pruneCheckpoints(seen)
	return stats
}

func (w *Worker) process(ctx context.Context, f session.FileInfo, stats *PassStats) {
	log := w.logger.With("session", f.Name)

	msgs, err := w.sessions.ReadSnapshot(f.Name)
	if err != nil {
		log.Error("Lead worker failed to read session", "error", err)
		stats.Errors++
		return
	}
	if len(msgs) == 0 {
		// Claimed but not yet written; it will change shortly.
		return
	}

	transcript, err := json.Marshal(msgs)
	if err != nil {
		log.Error("Lead worker failed to encode session", "error", err)
		stats.Errors++
		return
	}

	res, err := w.generator.Generate(ctx,
		[]domain.Message{domain.UserMessage(conversationPrefix + string(transcript))},
		w.cfg.SystemPrompt,
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Lead extraction call failed", "error", err)
			stats.Errors++
		}
		return
	}
	stats.Processed++

	if !res.OK() {
		log.Warn("Lead extraction degraded, skipping until session changes", "error", res.Err, "attempts", res.Attempts)
		stats.Degraded++
		w.markProcessed(ctx, f)
		return
	}

	lead, err := ParseExtraction(res.Text)
	if err != nil {
		log.Warn("Lead extraction reply unparsable, skipping until session changes", "error", err)
		stats.Unparsable++
		w.markProcessed(ctx, f)
		return
	}

	if lead.Complete() {
		path, err := w.contacts.Write(f.Name, lead)
		if err != nil {
			log.Error("Lead worker failed to write lead", "error", err)
			stats.Errors++
			return
		}
		stats.Written++
		log.Info("Extracted and saved lead", "path", path)
	} else {
		stats.Incomplete++
		log.Info("Lead details not complete")
	}

	if w.cfg.Index != nil {
		if err := w.cfg.Index.UpsertLead(ctx, domain.IndexedLead{
			Lead:        lead,
			SessionName: f.Name,
			IsComplete:  lead.Complete(),
			ExtractedAt: w.now(),
		}); err != nil {
			log.Warn("Lead worker failed to index lead", "error", err)
		}
	}

	w.markProcessed(ctx, f)
}

// Checkpoint returns the last processed modification time for a session.
func (w *Worker) Checkpoint(name string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.checkpoints[name]
	return t, ok
}

func (w *Worker) markProcessed(ctx context.Context, f session.FileInfo) {
	w.mu.Lock()
	w.checkpoints[f.Name] = f.ModTime
	w.mu.Unlock()

	if w.cfg.Checkpoints != nil {
		if err := w.cfg.Checkpoints.SaveCheckpoint(ctx, f.Name, f.ModTime); err != nil {
			w.logger.Warn("Lead worker failed to persist checkpoint", "session", f.Name, "error", err)
		}
	}
}

func (w *Worker) restoreCheckpoints(ctx context.Context) error {
	if w.cfg.Checkpoints == nil {
		return nil
	}
	saved, err := w.cfg.Checkpoints.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	for name, t := range saved {
		w.checkpoints[name] = t
	}
	w.mu.Unlock()
	w.logger.Info("Lead worker restored checkpoints", "count", len(saved))
	return nil
}

// pruneCheckpoints forgets sessions that no longer exist on disk.
func (w *Worker) pruneCheckpoints(seen map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.checkpoints {
		if _, ok := seen[name]; !ok {
			delete(w.checkpoints, name)
		}
	}
}
