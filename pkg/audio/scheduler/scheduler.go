// Package scheduler plays a stream of decoded buffers back-to-back on an
// output clock and supports an immediate cut to silence when the remote
// party is interrupted.
//
// Each buffer starts at max(next, now): it chains directly after the
// previous buffer while the producer keeps pace, and never starts in the past
// when the producer falls behind. [Scheduler.Interrupt] stops every pending or
// playing source and resets the anchor so the next buffer starts at the
// current clock.
package scheduler

import (
	"sync"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
)

// Source is a handle to one scheduled buffer.
type Source interface {
	// Stop silences the source immediately. Stopping an ended source is a
	// no-op.
	Stop()
}

// Output is an audio clock that can play buffers at absolute positions.
type Output interface {
	// Now reports the current output clock position.
	Now() time.Duration

	// Play schedules buf to start at the clock position at. onEnded is called
	// exactly once when playback finishes or the source is stopped. It may be
	// called from the audio thread.
	Play(buf *audio.Buffer, at time.Duration, onEnded func()) Source
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnInterrupt registers a callback invoked after each interruption with
// the number of sources that were cut.
func WithOnInterrupt(fn func(dropped int)) Option {
	return func(s *Scheduler) {
		s.onInterrupt = fn
	}
}

type slot struct {
	src Source
}

// Scheduler is safe for concurrent use. End callbacks arrive from the audio
// thread while Enqueue and Interrupt arrive from the session dispatcher.
type Scheduler struct {
	out         Output
	onInterrupt func(int)

	mu     sync.Mutex
	next   time.Duration
	active map[*slot]struct{}
}

// New returns a Scheduler playing on out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[*slot]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf after everything already queued and returns the
// clock position it was scheduled at. Empty buffers are ignored.
func (s *Scheduler) Enqueue(buf *audio.Buffer) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := max(s.next, s.out.Now())
	if buf.Frames() == 0 {
		return startAt
	}

	sl := &slot{}
	sl.src = s.out.Play(buf, startAt, func() { s.ended(sl) })
	s.active[sl] = struct{}{}
	s.next = startAt + buf.Duration()
	return startAt
}

// Interrupt stops every active source, empties the active set and resets the
// schedule anchor.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	dropped := len(s.active)
	for sl := range s.active {
		sl.src.Stop()
		delete(s.active, sl)
	}
	s.next = 0
	s.mu.Unlock()

	if s.onInterrupt != nil {
		s.onInterrupt(dropped)
	}
}

// Active returns the number of sources that are playing or pending.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Next returns the clock position at which the next buffer would chain.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) ended(sl *slot) {
	s.mu.Lock()
	delete(s.active, sl)
	s.mu.Unlock()
}
