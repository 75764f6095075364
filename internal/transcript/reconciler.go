// Package transcript merges streaming transcription fragments into stable
// conversation lines.
//
// Each line carries an explicit Open or Final status. A fragment is appended
// to the tail line when the speaker matches and the tail is still Open;
// otherwise the tail is finalised and a new Open line begins. Only the tail
// line can ever be Open.
package transcript

import (
	"slices"
	"sync"
	"time"
)

// Speaker identifies who said a line.
type Speaker string

const (
	Candidate Speaker = "candidate"
	Examiner  Speaker = "examiner"
)

// IsValid reports whether s is a known speaker.
func (s Speaker) IsValid() bool {
	return s == Candidate || s == Examiner
}

// Status tags whether a line may still grow.
type Status string

const (
	Open  Status = "open"
	Final Status = "final"
)

// Line is one conversation turn.
type Line struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}

// Reconciler is safe for concurrent use. The session dispatcher writes and
// the UI bridge and state machine take snapshots.
type Reconciler struct {
	now func() time.Time

	mu    sync.Mutex
	lines []Line
}

// New returns an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{now: time.Now}
}

// Append merges one fragment. Empty fragments are ignored and leave the
// sequence unchanged. It reports whether the sequence changed.
func (r *Reconciler) Append(speaker Speaker, text string) bool {
	if text == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.lines); n > 0 {
		tail := &r.lines[n-1]
		if tail.Status == Open && tail.Speaker == speaker {
			tail.Text += text
			return true
		}
		tail.Status = Final
	}
	r.lines = append(r.lines, Line{
		Speaker: speaker,
		Text:    text,
		Status:  Open,
		At:      r.now(),
	})
	return true
}

// Finalize closes the tail line so the next fragment starts a new one even
// for the same speaker.
func (r *Reconciler) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.lines); n > 0 {
		r.lines[n-1].Status = Final
	}
}

// Lines returns a copy of the current sequence.
func (r *Reconciler) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines)
}

// Flush finalises the tail and returns the full sequence.
func (r *Reconciler) Flush() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.lines); n > 0 {
		r.lines[n-1].Status = Final
	}
	return slices.Clone(r.lines)
}

// Reset discards all lines.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

// Len returns the number of lines.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
