// Package storetest is a behavioural test suite shared by every
// store.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

// Run exercises s. newStore must return an empty store; the suite closes it.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("lines round trip", func(t *testing.T) {
		s := newStore(t)
		lines := []transcript.Line{
			{Speaker: transcript.Examiner, Text: "Describe a journey.", Status: transcript.Final, At: base},
			{Speaker: transcript.Candidate, Text: "Last summer I went to Porto.", Status: transcript.Final, At: base.Add(5 * time.Second)},
		}
		if err := s.InsertLines(ctx, store.SessionRecord{ID: "s1", UserID: "u1", Part: 2, Topic: "A journey", CreatedAt: base, Lines: lines}); err != nil {
			t.Fatalf("InsertLines: %v", err)
		}
		got, err := s.Lines(ctx, "s1")
		if err != nil {
			t.Fatalf("Lines: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Lines() = %+v", got)
		}
		for i := range lines {
			if got[i].Speaker != lines[i].Speaker || got[i].Text != lines[i].Text || got[i].Status != lines[i].Status || !got[i].At.Equal(lines[i].At) {
				t.Errorf("line %d = %+v, want %+v", i, got[i], lines[i])
			}
		}
	})

	t.Run("insert replaces lines", func(t *testing.T) {
		s := newStore(t)
		rec := store.SessionRecord{ID: "s1", UserID: "u1", Part: 1, CreatedAt: base,
			Lines: []transcript.Line{{Speaker: transcript.Candidate, Text: "first", Status: transcript.Final, At: base}}}
		_ = s.InsertLines(ctx, rec)
		rec.Lines = []transcript.Line{
			{Speaker: transcript.Candidate, Text: "a", Status: transcript.Final, At: base},
			{Speaker: transcript.Examiner, Text: "b", Status: transcript.Final, At: base},
		}
		if err := s.InsertLines(ctx, rec); err != nil {
			t.Fatalf("InsertLines: %v", err)
		}
		got, _ := s.Lines(ctx, "s1")
		if len(got) != 2 || got[0].Text != "a" {
			t.Errorf("Lines() = %+v", got)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Lines(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Lines() = %v, want ErrNotFound", err)
		}
		if _, err := s.Feedback(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Feedback() = %v, want ErrNotFound", err)
		}
	})

	t.Run("sessions newest first", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"old", "mid", "new"} {
			_ = s.InsertLines(ctx, store.SessionRecord{
				ID: id, UserID: "u1", Part: 1, CreatedAt: base.Add(time.Duration(i) * time.Hour),
				Lines: []transcript.Line{{Speaker: transcript.Candidate, Text: id, Status: transcript.Final, At: base}},
			})
		}
		_ = s.InsertLines(ctx, store.SessionRecord{ID: "other", UserID: "u2", Part: 3, CreatedAt: base})

		got, err := s.Sessions(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("Sessions: %v", err)
		}
		if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
			t.Fatalf("Sessions() = %+v", got)
		}
		if got[0].LineCount != 1 || got[0].UserID != "u1" || !got[0].CreatedAt.Equal(base.Add(2*time.Hour)) {
			t.Errorf("summary = %+v", got[0])
		}
		all, _ := s.Sessions(ctx, "u1", 0)
		if len(all) != 3 {
			t.Errorf("Sessions(limit 0) = %d, want 3", len(all))
		}
	})

	t.Run("feedback", func(t *testing.T) {
		s := newStore(t)
		fb := store.Feedback{SessionID: "s1", UserID: "u1", Text: "Band 7 fluency.", CreatedAt: base}
		if err := s.InsertFeedback(ctx, fb); err != nil {
			t.Fatalf("InsertFeedback: %v", err)
		}
		fb.Text = "Band 7.5 fluency."
		if err := s.InsertFeedback(ctx, fb); err != nil {
			t.Fatalf("InsertFeedback again: %v", err)
		}
		got, err := s.Feedback(ctx, "s1")
		if err != nil {
			t.Fatalf("Feedback: %v", err)
		}
		if got.Text != "Band 7.5 fluency." || got.UserID != "u1" {
			t.Errorf("Feedback() = %+v", got)
		}
	})

	t.Run("credits", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Balance(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Balance(unknown) = %v, want ErrNotFound", err)
		}
		if err := s.EnsureUser(ctx, "u1", 25); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		if err := s.EnsureUser(ctx, "u1", 1000); err != nil {
			t.Fatalf("EnsureUser again: %v", err)
		}
		if bal, _ := s.Balance(ctx, "u1"); bal != 25 {
			t.Errorf("Balance() = %d, want 25", bal)
		}
		if bal, err := s.DecrementCredits(ctx, "u1", 10); err != nil || bal != 15 {
			t.Errorf("DecrementCredits() = %d, %v", bal, err)
		}
		if bal, _ := s.DecrementCredits(ctx, "u1", 20); bal != 0 {
			t.Errorf("DecrementCredits() = %d, want floor at 0", bal)
		}
		if _, err := s.DecrementCredits(ctx, "nobody", 10); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("DecrementCredits(unknown) = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent decrements", func(t *testing.T) {
		s := newStore(t)
		_ = s.EnsureUser(ctx, "u1", 100)
		var wg sync.WaitGroup
		for range 10 {
			wg.Go(func() {
				if _, err := s.DecrementCredits(ctx, "u1", 5); err != nil {
					t.Errorf("DecrementCredits: %v", err)
				}
			})
		}
		wg.Wait()
		if bal, _ := s.Balance(ctx, "u1"); bal != 50 {
			t.Errorf("Balance() = %d, want 50", bal)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
