// Package mock provides test doubles for [live.Connector] and [live.Session].
//
// Session events are pushed by the test with Push and delivered in order.
// Every call is recorded; all types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live"
)

var _ live.Connector = (*Connector)(nil)
var _ live.Session = (*Session)(nil)

// Connector is a mock [live.Connector].
type Connector struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect when set.
	ConnectErr error

	// Configs records the config of every Connect call.
	Configs []live.Config

	// Sessions records every session handed out.
	Sessions []*Session
}

// Connect implements [live.Connector].
func (c *Connector) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Configs = append(c.Configs, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	s := NewSession()
	c.Sessions = append(c.Sessions, s)
	return s, nil
}

// Last returns the most recent session, or nil.
func (c *Connector) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sessions) == 0 {
		return nil
	}
	return c.Sessions[len(c.Sessions)-1]
}

// LastConfig returns the config of the most recent Connect call.
func (c *Connector) LastConfig() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Configs) == 0 {
		return live.Config{}
	}
	return c.Configs[len(c.Configs)-1]
}

// Count returns how many sessions were opened.
func (c *Connector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sessions)
}

// Session is a mock [live.Session].
type Session struct {
	mu      sync.Mutex
	events  chan live.Event
	closed  bool
	sent    []audio.Blob
	err     error
	closeN  int
	SendErr error
}

// NewSession returns an open session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Push delivers evt to the consumer. It is a no-op after Close.
func (s *Session) Push(evt live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// Fail ends the session with err as the remote side would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// Send implements [live.Session].
func (s *Session) Send(b audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrClosed
	}
	s.sent = append(s.sent, b)
	return s.SendErr
}

// Sent returns a copy of every blob sent.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// Events implements [live.Session].
func (s *Session) Events() <-chan live.Event { return s.events }

// Err implements [live.Session].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [live.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeN++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close or Fail was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeN
}
