// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Credit decrements go through the decrement_credits SQL function so the
// read-modify-write happens in one statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// InsertLines implements [store.Store]. The session row and its lines are
// written in one transaction.
func (s *Store) InsertLines(ctx context.Context, rec store.SessionRecord) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO practice_sessions (id, user_id, part, topic, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET user_id = EXCLUDED.user_id, part = EXCLUDED.part,
			    topic = EXCLUDED.topic, created_at = EXCLUDED.created_at`
		if _, err := tx.Exec(ctx, upsert, rec.ID, rec.UserID, rec.Part, rec.Topic, rec.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM transcript_lines WHERE session_id = $1`, rec.ID); err != nil {
			return err
		}

		rows := make([][]any, len(rec.Lines))
		for i, l := range rec.Lines {
			rows[i] = []any{rec.ID, i, string(l.Speaker), l.Text, string(l.Status), l.At}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"transcript_lines"},
			[]string{"session_id", "seq", "speaker", "text", "status", "at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: insert lines: %w", err)
	}
	return nil
}

// Lines implements [store.Store].
func (s *Store) Lines(ctx context.Context, sessionID string) ([]transcript.Line, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM practice_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres store: lines: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("postgres store: session %s: %w", sessionID, store.ErrNotFound)
	}

	const q = `
		SELECT speaker, text, status, at
		FROM   transcript_lines
		WHERE  session_id = $1
		ORDER  BY seq`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Line, error) {
		var (
			l               transcript.Line
			speaker, status string
		)
		if err := row.Scan(&speaker, &l.Text, &status, &l.At); err != nil {
			return l, err
		}
		l.Speaker = transcript.Speaker(speaker)
		l.Status = transcript.Status(status)
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan lines: %w", err)
	}
	return lines, nil
}

// Sessions implements [store.Store].
func (s *Store) Sessions(ctx context.Context, userID string, limit int) ([]store.Session, error) {
	q := `
		SELECT s.id, s.user_id, s.part, s.topic, s.created_at,
		       (SELECT count(*) FROM transcript_lines l WHERE l.session_id = s.id)
		FROM   practice_sessions s
		WHERE  s.user_id = $1
		ORDER  BY s.created_at DESC, s.id`
	args := []any{userID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Session, error) {
		var (
			sess  store.Session
			part  int16
			count int64
		)
		err := row.Scan(&sess.ID, &sess.UserID, &part, &sess.Topic, &sess.CreatedAt, &count)
		sess.Part = int(part)
		sess.LineCount = int(count)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	return sessions, nil
}

// InsertFeedback implements [store.Store].
func (s *Store) InsertFeedback(ctx context.Context, fb store.Feedback) error {
	const q = `
		INSERT INTO session_feedback (session_id, user_id, text, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET user_id = EXCLUDED.user_id, text = EXCLUDED.text, created_at = EXCLUDED.created_at`
	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, fb.SessionID, fb.UserID, fb.Text, createdAt); err != nil {
		return fmt.Errorf("postgres store: insert feedback: %w", err)
	}
	return nil
}

// Feedback implements [store.Store].
func (s *Store) Feedback(ctx context.Context, sessionID string) (store.Feedback, error) {
	var fb store.Feedback
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, user_id, text, created_at FROM session_feedback WHERE session_id = $1`,
		sessionID,
	).Scan(&fb.SessionID, &fb.UserID, &fb.Text, &fb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fb, fmt.Errorf("postgres store: feedback %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return fb, fmt.Errorf("postgres store: feedback: %w", err)
	}
	return fb, nil
}

// EnsureUser implements [store.Store].
func (s *Store) EnsureUser(ctx context.Context, userID string, initial int64) error {
	const q = `
		INSERT INTO user_credits (user_id, seconds)
		VALUES ($1, GREATEST($2::bigint, 0))
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, userID, initial); err != nil {
		return fmt.Errorf("postgres store: ensure user: %w", err)
	}
	return nil
}

// Balance implements [store.Store].
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `SELECT seconds FROM user_credits WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres store: user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: balance: %w", err)
	}
	return bal, nil
}

// DecrementCredits implements [store.Store] through decrement_credits.
func (s *Store) DecrementCredits(ctx context.Context, userID string, seconds int64) (int64, error) {
	var bal *int64
	if err := s.pool.QueryRow(ctx, `SELECT decrement_credits($1, $2)`, userID, seconds).Scan(&bal); err != nil {
		return 0, fmt.Errorf("postgres store: decrement credits: %w", err)
	}
	if bal == nil {
		return 0, fmt.Errorf("postgres store: user %s: %w", userID, store.ErrNotFound)
	}
	return *bal, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
