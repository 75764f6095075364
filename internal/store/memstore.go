package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

var _ Store = (*MemStore)(nil)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("store: closed")

// MemStore keeps everything in process memory. Used for local practice
// without a database and in tests.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	feedback map[string]Feedback
	credits  map[string]int64
	closed   bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]SessionRecord),
		feedback: make(map[string]Feedback),
		credits:  make(map[string]int64),
	}
}

func (m *MemStore) InsertLines(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.Lines = slices.Clone(rec.Lines)
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemStore) Lines(_ context.Context, sessionID string) ([]transcript.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return slices.Clone(rec.Lines), nil
}

func (m *MemStore) Sessions(_ context.Context, userID string, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, rec := range m.sessions {
		if rec.UserID != userID {
			continue
		}
		out = append(out, Session{
			ID:        rec.ID,
			UserID:    rec.UserID,
			Part:      rec.Part,
			Topic:     rec.Topic,
			CreatedAt: rec.CreatedAt,
			LineCount: len(rec.Lines),
		})
	}
	slices.SortFunc(out, func(a, b Session) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) InsertFeedback(_ context.Context, fb Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.feedback[fb.SessionID] = fb
	return nil
}

func (m *MemStore) Feedback(_ context.Context, sessionID string) (Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb, ok := m.feedback[sessionID]
	if !ok {
		return Feedback{}, fmt.Errorf("feedback %s: %w", sessionID, ErrNotFound)
	}
	return fb, nil
}

func (m *MemStore) EnsureUser(_ context.Context, userID string, initial int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credits[userID]; !ok {
		m.credits[userID] = max(initial, 0)
	}
	return nil
}

func (m *MemStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.credits[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return bal, nil
}

func (m *MemStore) DecrementCredits(_ context.Context, userID string, seconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.credits[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	bal = max(bal-seconds, 0)
	m.credits[userID] = bal
	return bal, nil
}

func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

