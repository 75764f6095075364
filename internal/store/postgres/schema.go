package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ── Sessions and transcript lines ────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS practice_sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    part        SMALLINT     NOT NULL,
    topic       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_practice_sessions_user_created
    ON practice_sessions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS transcript_lines (
    session_id  TEXT         NOT NULL REFERENCES practice_sessions (id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    status      TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// ── Feedback ────────────────────────────────────────────────────────────────

const ddlFeedback = `
CREATE TABLE IF NOT EXISTS session_feedback (
    session_id  TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ── Credits ─────────────────────────────────────────────────────────────────

const ddlCredits = `
CREATE TABLE IF NOT EXISTS user_credits (
    user_id     TEXT         PRIMARY KEY,
    seconds     BIGINT       NOT NULL CHECK (seconds >= 0),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION decrement_credits(p_user_id TEXT, p_seconds BIGINT)
RETURNS BIGINT
LANGUAGE sql
AS $$
    UPDATE user_credits
    SET    seconds    = GREATEST(seconds - p_seconds, 0),
           updated_at = now()
    WHERE  user_id = p_user_id
    RETURNING seconds;
$$;
`

// Migrate creates every table and the decrement_credits function. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"sessions", ddlSessions},
		{"feedback", ddlFeedback},
		{"credits", ddlCredits},
	} {
		if _, err := pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
