// Package live defines the contract for a bidirectional realtime session with
// a conversational speech model: audio frames go in, and a single ordered
// stream of events comes out.
//
// Implementations live in sub-packages (gemini, mock). The voice controller
// consumes this package and owns decoding, playback and transcripts.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
)

// ErrClosed is returned by Send after the session has been closed.
var ErrClosed = errors.New("live: session closed")

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// IsValid reports whether m is a known modality.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityAudio, ModalityText:
		return true
	}
	return false
}

// Config configures one session.
type Config struct {
	// Instructions is the system instruction for the whole session.
	Instructions string

	// Modalities lists the requested response modalities.
	Modalities []Modality

	// Voice is the prebuilt synthesized voice name.
	Voice string

	// Locale is the BCP-47 language used for speech and transcription.
	Locale string

	// EndOfSpeechTimeout is how long the candidate may stay silent before the
	// model treats the turn as over.
	EndOfSpeechTimeout time.Duration
}

// Event is one inbound message. Any subset of the fields may be set,
// including none.
type Event struct {
	// Audio holds base64 PCM payloads in arrival order.
	Audio []string

	// Text holds model text parts when TEXT modality was requested.
	Text string

	// InputTranscript is a fragment of the candidate's recognised speech.
	InputTranscript string

	// OutputTranscript is a fragment of the model's spoken output.
	OutputTranscript string

	// Interrupted signals that the candidate spoke over the model.
	Interrupted bool

	// TurnComplete signals the end of the model's turn.
	TurnComplete bool
}

// Empty reports whether the event carries nothing.
func (e Event) Empty() bool {
	return len(e.Audio) == 0 && e.Text == "" && e.InputTranscript == "" &&
		e.OutputTranscript == "" && !e.Interrupted && !e.TurnComplete
}

// Session is one open connection.
type Session interface {
	// Send delivers one encoded audio frame. No acknowledgement is given.
	Send(blob audio.Blob) error

	// Events returns the ordered inbound event stream. It is closed when the
	// session ends for any reason.
	Events() <-chan Event

	// Err returns the error that ended the session, if any.
	Err() error

	// Close terminates the session. It is idempotent.
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}
