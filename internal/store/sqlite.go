package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the server read the index while the worker writes it.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS leads (
		session_name TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		pain_points TEXT NOT NULL DEFAULT '',
		complete INTEGER NOT NULL DEFAULT 0,
		extracted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_extracted ON leads(extracted_at);

	CREATE TABLE IF NOT EXISTS extraction_checkpoints (
		session_name TEXT PRIMARY KEY,
		mod_time_ns INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertLead inserts or updates the lead row for a session.
func (s *SQLiteStore) UpsertLead(ctx context.Context, lead domain.IndexedLead) error {
	query := `
	INSERT INTO leads (session_name, name, phone, email, pain_points, complete, extracted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_name) DO UPDATE SET
		name = excluded.name,
		phone = excluded.phone,
		email = excluded.email,
		pain_points = excluded.pain_points,
		complete = excluded.complete,
		extracted_at = excluded.extracted_at
	WHERE excluded.complete = 1 OR leads.complete = 0`

	extractedAt := lead.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now()
	}

	return shared.RetryOnConflict(ctx, "upsert_lead", busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			lead.SessionName, lead.Name, lead.Phone, lead.Email, lead.PainPoints,
			boolToInt(lead.IsComplete), extractedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert lead: %w", err)
		}
		return nil
	})
}

// ListLeads returns indexed leads, newest first.
func (s *SQLiteStore) ListLeads(ctx context.Context, completeOnly bool) ([]domain.IndexedLead, error) {
	query := `
		SELECT session_name, name, phone, email, pain_points, complete, extracted_at
		FROM leads`
	if completeOnly {
		query += ` WHERE complete = 1`
	}
	query += ` ORDER BY extracted_at DESC, session_name DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close lead rows", "error", closeErr)
		}
	}()

	var leads []domain.IndexedLead
	for rows.Next() {
		var l domain.IndexedLead
		var complete int
		var extractedAt int64
		if err := rows.Scan(&l.SessionName, &l.Name, &l.Phone, &l.Email, &l.PainPoints, &complete, &extractedAt); err != nil {
			return nil, fmt.Errorf("scan lead row: %w", err)
		}
		l.IsComplete = complete == 1
		l.ExtractedAt = time.Unix(extractedAt, 0)
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// LoadCheckpoints returns every stored checkpoint.
func (s *SQLiteStore) LoadCheckpoints(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_name, mod_time_ns FROM extraction_checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close checkpoint rows", "error", closeErr)
		}
	}()

	out := make(map[string]time.Time)
	for rows.Next() {
		var name string
		var ns int64
		if err := rows.Scan(&name, &ns); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out[name] = time.Unix(0, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// SaveCheckpoint records the processed modification time for a session.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, sessionName string, modTime time.Time) error {
	query := `
	INSERT INTO extraction_checkpoints (session_name, mod_time_ns, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_name) DO UPDATE SET
		mod_time_ns = excluded.mod_time_ns,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "save_checkpoint", busyRetries, busyBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, sessionName, modTime.UnixNano(), time.Now().Unix()); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
