package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store/postgres"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store/storetest"
)

// testDSN skips the test unless IELTS_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("IELTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IELTS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func dropSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	const q = `
		DROP TABLE IF EXISTS transcript_lines, practice_sessions, session_feedback, user_credits CASCADE;
		DROP FUNCTION IF EXISTS decrement_credits(TEXT, BIGINT);`
	if _, err := pool.Exec(ctx, q); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}

func TestStore(t *testing.T) {
	dsn := testDSN(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		dropSchema(t, ctx, dsn)
		s, err := postgres.New(ctx, dsn)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	dropSchema(t, ctx, dsn)

	s, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s2, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	_ = s2.Close()
}
