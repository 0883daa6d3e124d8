// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/teverse/leadchat/internal/domain"
)

// LeadIndex keeps one queryable row per source session.
type LeadIndex interface {
	// UpsertLead inserts or replaces the lead for lead.SessionName. A partial
	// lead never replaces a complete one.
	UpsertLead(ctx context.Context, lead domain.IndexedLead) error

	// ListLeads returns indexed leads, newest extraction first.
	ListLeads(ctx context.Context, completeOnly bool) ([]domain.IndexedLead, error)
}

// CheckpointStore persists the worker's last-processed modification times.
type CheckpointStore interface {
	// LoadCheckpoints returns session name -> last processed modification time.
	LoadCheckpoints(ctx context.Context) (map[string]time.Time, error)

	// SaveCheckpoint records the processed modification time for a session.
	SaveCheckpoint(ctx context.Context, sessionName string, modTime time.Time) error
}

// Repository is the SQLite-backed side store shared by server and worker.
type Repository interface {
	LeadIndex
	CheckpointStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
