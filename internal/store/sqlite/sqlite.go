// Package sqlite implements store.Store on a local SQLite file through the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

// DefaultPath is used when New is given an empty path.
var DefaultPath = filepath.Join("data", "ielts-coach.db")

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use. SQLite serialises writers, so the pool
// holds a single connection.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at path and applies the schema.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		`CREATE TABLE IF NOT EXISTS practice_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			part       INTEGER NOT NULL,
			topic      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_practice_sessions_user_created
			ON practice_sessions (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			session_id TEXT NOT NULL REFERENCES practice_sessions (id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			speaker    TEXT NOT NULL,
			text       TEXT NOT NULL,
			status     TEXT NOT NULL,
			at         TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS session_feedback (
			session_id TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_credits (
			user_id    TEXT PRIMARY KEY,
			seconds    INTEGER NOT NULL CHECK (seconds >= 0),
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite store: init %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// InsertLines implements [store.Store].
func (s *Store) InsertLines(ctx context.Context, rec store.SessionRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: insert lines: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO practice_sessions (id, user_id, part, topic, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET user_id = excluded.user_id, part = excluded.part,
		    topic = excluded.topic, created_at = excluded.created_at`,
		rec.ID, rec.UserID, rec.Part, rec.Topic, formatTime(rec.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite store: insert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM transcript_lines WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("sqlite store: clear lines: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_lines (session_id, seq, speaker, text, status, at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare lines: %w", err)
	}
	defer stmt.Close()
	for i, l := range rec.Lines {
		if _, err = stmt.ExecContext(ctx, rec.ID, i, string(l.Speaker), l.Text, string(l.Status), formatTime(l.At)); err != nil {
			return fmt.Errorf("sqlite store: insert line %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// Lines implements [store.Store].
func (s *Store) Lines(ctx context.Context, sessionID string) ([]transcript.Line, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM practice_sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite store: session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lines: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT speaker, text, status, at
		FROM transcript_lines
		WHERE session_id = ?
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lines: %w", err)
	}
	defer rows.Close()

	var lines []transcript.Line
	for rows.Next() {
		var speaker, text, status, at string
		if err := rows.Scan(&speaker, &text, &status, &at); err != nil {
			return nil, fmt.Errorf("sqlite store: scan line: %w", err)
		}
		lines = append(lines, transcript.Line{
			Speaker: transcript.Speaker(speaker),
			Text:    text,
			Status:  transcript.Status(status),
			At:      parseTime(at),
		})
	}
	return lines, rows.Err()
}

// Sessions implements [store.Store].
func (s *Store) Sessions(ctx context.Context, userID string, limit int) ([]store.Session, error) {
	q := `
		SELECT s.id, s.user_id, s.part, s.topic, s.created_at,
		       (SELECT count(*) FROM transcript_lines l WHERE l.session_id = s.id)
		FROM practice_sessions s
		WHERE s.user_id = ?
		ORDER BY s.created_at DESC, s.id`
	args := []any{userID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var (
			sess      store.Session
			createdAt string
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Part, &sess.Topic, &createdAt, &sess.LineCount); err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		sess.CreatedAt = parseTime(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// InsertFeedback implements [store.Store].
func (s *Store) InsertFeedback(ctx context.Context, fb store.Feedback) error {
	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_feedback (session_id, user_id, text, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE
		SET user_id = excluded.user_id, text = excluded.text, created_at = excluded.created_at`,
		fb.SessionID, fb.UserID, fb.Text, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("sqlite store: insert feedback: %w", err)
	}
	return nil
}

// Feedback implements [store.Store].
func (s *Store) Feedback(ctx context.Context, sessionID string) (store.Feedback, error) {
	var (
		fb        store.Feedback
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, text, created_at FROM session_feedback WHERE session_id = ?`,
		sessionID,
	).Scan(&fb.SessionID, &fb.UserID, &fb.Text, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fb, fmt.Errorf("sqlite store: feedback %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return fb, fmt.Errorf("sqlite store: feedback: %w", err)
	}
	fb.CreatedAt = parseTime(createdAt)
	return fb, nil
}

// EnsureUser implements [store.Store].
func (s *Store) EnsureUser(ctx context.Context, userID string, initial int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credits (user_id, seconds, updated_at)
		VALUES (?, max(?, 0), ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, initial, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite store: ensure user: %w", err)
	}
	return nil
}

// Balance implements [store.Store].
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT seconds FROM user_credits WHERE user_id = ?`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite store: user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite store: balance: %w", err)
	}
	return bal, nil
}

// DecrementCredits implements [store.Store] with a single UPDATE ... RETURNING.
func (s *Store) DecrementCredits(ctx context.Context, userID string, seconds int64) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE user_credits
		SET seconds = max(seconds - ?, 0), updated_at = ?
		WHERE user_id = ?
		RETURNING seconds`,
		seconds, formatTime(time.Now()), userID,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite store: user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite store: decrement credits: %w", err)
	}
	return bal, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
