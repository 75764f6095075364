// Package store defines persistence for practice sessions, feedback and
// credit balances.
//
// Three backends implement [Store]: PostgreSQL (package postgres), SQLite
// (package sqlite) and the in-memory [MemStore]. Callers treat every write as
// best effort: a failed write is logged and counted, never surfaced to the
// candidate.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

// ErrNotFound is returned when a session, feedback entry or user does not
// exist.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is one finished recording.
type SessionRecord struct {
	ID        string
	UserID    string
	Part      int
	Topic     string
	CreatedAt time.Time
	Lines     []transcript.Line
}

// Session summarises a stored session for listings.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Part      int       `json:"part"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LineCount int       `json:"line_count"`
}

// Feedback is the examiner-style assessment attached to a session.
type Feedback struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	// InsertLines persists a finished session and its transcript. Inserting
	// the same ID twice replaces the lines.
	InsertLines(ctx context.Context, rec SessionRecord) error

	// Lines returns the transcript of a session in order.
	Lines(ctx context.Context, sessionID string) ([]transcript.Line, error)

	// Sessions lists a user's sessions, newest first. limit <= 0 means all.
	Sessions(ctx context.Context, userID string, limit int) ([]Session, error)

	// InsertFeedback attaches or replaces feedback for a session.
	InsertFeedback(ctx context.Context, fb Feedback) error

	// Feedback returns the feedback for a session.
	Feedback(ctx context.Context, sessionID string) (Feedback, error)

	// EnsureUser creates a credit account holding initial seconds when the
	// user has none. Existing balances are untouched.
	EnsureUser(ctx context.Context, userID string, initial int64) error

	// Balance returns the user's remaining seconds.
	Balance(ctx context.Context, userID string) (int64, error)

	// DecrementCredits atomically subtracts seconds, flooring at zero, and
	// returns the new balance.
	DecrementCredits(ctx context.Context, userID string, seconds int64) (int64, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
