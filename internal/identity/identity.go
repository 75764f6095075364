// Package identity tells the coach who is practising.
//
// The core only needs a presence token and a user ID. [Static] serves a
// single local user; [OAuth] signs users in through an OAuth 2.0 auth-code
// flow and looks them up at the provider's userinfo endpoint.
package identity

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnknownProvider is returned by SignIn for an unconfigured provider.
	ErrUnknownProvider = errors.New("identity: unknown provider")

	// ErrInvalidState is returned by OAuth.Complete for an unknown or expired
	// state parameter.
	ErrInvalidState = errors.New("identity: invalid or expired state")
)

// Session is the signed-in user.
type Session struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
}

// Provider is the identity contract used by the rest of the coach.
type Provider interface {
	// Current returns the signed-in session or nil.
	Current() *Session

	// Subscribe registers fn for session changes. fn receives nil on sign
	// out. The returned func unsubscribes.
	Subscribe(fn func(*Session)) (cancel func())

	// SignIn starts signing in with the named provider. It returns a URL the
	// user must visit, or "" when sign-in completed immediately.
	SignIn(ctx context.Context, provider string) (redirectURL string, err error)

	// SignOut clears the session.
	SignOut(ctx context.Context) error
}

// UserID returns the current user's ID or "".
func UserID(p Provider) string {
	if s := p.Current(); s != nil {
		return s.UserID
	}
	return ""
}

// hub holds the current session and its subscribers.
type hub struct {
	mu      sync.Mutex
	current *Session
	nextID  int
	subs    map[int]func(*Session)
}

func (h *hub) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	s := *h.current
	return &s
}

func (h *hub) Subscribe(fn func(*Session)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(*Session))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// set replaces the session and notifies subscribers outside the lock.
func (h *hub) set(s *Session) {
	h.mu.Lock()
	h.current = s
	fns := make([]func(*Session), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		if s == nil {
			fn(nil)
			continue
		}
		cp := *s
		fn(&cp)
	}
}

// ── Static ──────────────────────────────────────────────────────────────────

var _ Provider = (*Static)(nil)

// Static is a single fixed local user, signed in from the start.
type Static struct {
	hub
	session Session
}

// NewStatic returns a Static provider signed in as s.
func NewStatic(s Session) *Static {
	if s.Provider == "" {
		s.Provider = "local"
	}
	st := &Static{session: s}
	st.current = &st.session
	return st
}

// SignIn signs the fixed user back in. The provider name is ignored.
func (s *Static) SignIn(context.Context, string) (string, error) {
	sess := s.session
	s.set(&sess)
	return "", nil
}

// SignOut clears the session.
func (s *Static) SignOut(context.Context) error {
	s.set(nil)
	return nil
}
