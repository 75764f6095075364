package ielts

import (
	"errors"
	"slices"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
)

var (
	// ErrPart2Required is returned when Part 3 is selected before Part 2 has
	// finished. The state is left unchanged.
	ErrPart2Required = errors.New("ielts: finish Part 2 before starting Part 3")

	// ErrRecording is returned by StartRecording while already recording.
	ErrRecording = errors.New("ielts: already recording")

	// ErrNotReady is returned by StartRecording in Part 2 before a cue card
	// is available.
	ErrNotReady = errors.New("ielts: no cue card yet")

	// ErrInvalidPart is returned for a part outside 1..3.
	ErrInvalidPart = errors.New("ielts: invalid part")

	// ErrStopped is returned once the machine's loop has exited.
	ErrStopped = errors.New("ielts: machine stopped")
)

// Default phase lengths for Part 2.
const (
	DefaultPreparation = 60 * time.Second
	DefaultSpeaking    = 120 * time.Second
)

// Part is an IELTS speaking test part.
type Part int

const (
	Part1 Part = 1 // interview
	Part2 Part = 2 // long turn
	Part3 Part = 3 // discussion
)

// IsValid reports whether p is 1, 2 or 3.
func (p Part) IsValid() bool { return p >= Part1 && p <= Part3 }

// String implements [fmt.Stringer].
func (p Part) String() string {
	switch p {
	case Part1:
		return "part1"
	case Part2:
		return "part2"
	case Part3:
		return "part3"
	default:
		return "unknown"
	}
}

// Phase is where the candidate is within the current part.
type Phase string

const (
	Idle             Phase = "idle"
	GeneratingPrompt Phase = "generating_prompt"
	Preparing        Phase = "preparing"
	Speaking         Phase = "speaking"
	Finished         Phase = "finished"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case Idle, GeneratingPrompt, Preparing, Speaking, Finished:
		return true
	}
	return false
}

// State is the whole conversation state. Snapshots are independent copies.
type State struct {
	Part  Part  `json:"part"`
	Phase Phase `json:"phase"`

	// RemainingSeconds counts down during Preparing and a timed Speaking
	// phase. Zero otherwise.
	RemainingSeconds int `json:"remaining_seconds"`

	Recording bool          `json:"recording"`
	SessionID string        `json:"session_id,omitempty"`
	CueCard   *cuecard.Card `json:"cue_card,omitempty"`

	// Topic is carried from a finished Part 2 into Part 3.
	Topic         string `json:"topic,omitempty"`
	Part2Finished bool   `json:"part2_finished"`

	// Notice is an inline message for the candidate.
	Notice          string `json:"notice,omitempty"`
	UpgradeRequired bool   `json:"upgrade_required"`

	Credits      int64 `json:"credits"`
	CreditsKnown bool  `json:"credits_known"`
}

func (s State) clone() State {
	if s.CueCard != nil {
		card := *s.CueCard
		card.Points = slices.Clone(card.Points)
		s.CueCard = &card
	}
	return s
}
