// Package voice owns the lifecycle of one live session with the examiner
// model and bridges it to local audio.
//
// A [Controller] moves Closed → Connecting → Open → Closed. While open, a
// single dispatch goroutine consumes the session's events in arrival order:
// audio payloads are decoded and scheduled for playback, transcription
// fragments go to the transcript reconciler, and interruptions cut playback.
// Events that arrive after Close are ignored.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/capture"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live"
)

var _ capture.Sink = (*Controller)(nil)

var (
	// ErrConnect is returned by Open when no session could be established.
	ErrConnect = errors.New("voice: could not open live session")

	// ErrNotOpen is returned by Send when no session is open.
	ErrNotOpen = errors.New("voice: no open session")

	// ErrBusy is returned by Open when a session is already open or opening.
	ErrBusy = errors.New("voice: session already active")
)

// DefaultEndOfSpeechTimeout outlasts the two-minute monologue so the model
// stays silent while the candidate speaks.
const DefaultEndOfSpeechTimeout = 150 * time.Second

// State is the controller lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Player receives decoded audio. [scheduler.Scheduler] implements it.
type Player interface {
	Enqueue(buf *audio.Buffer) time.Duration
	Interrupt()
}

// Option configures a [Controller].
type Option func(*Controller)

// WithVoice sets the synthesized voice.
func WithVoice(name string) Option {
	return func(c *Controller) { c.voice = name }
}

// WithLocale sets the speech and transcription locale.
func WithLocale(locale string) Option {
	return func(c *Controller) { c.locale = locale }
}

// WithEndOfSpeechTimeout overrides [DefaultEndOfSpeechTimeout].
func WithEndOfSpeechTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.endOfSpeech = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTranscriptObserver is called from the dispatch goroutine with a
// snapshot after every transcript change. It must not block.
func WithTranscriptObserver(fn func([]transcript.Line)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithOnEnded is called from the dispatch goroutine when the remote side
// ends an open session. It is not called for local Close.
func WithOnEnded(fn func(error)) Option {
	return func(c *Controller) { c.onEnded = fn }
}

// Controller is safe for concurrent use.
type Controller struct {
	connector    live.Connector
	player       Player
	reconciler   *transcript.Reconciler
	voice        string
	locale       string
	endOfSpeech  time.Duration
	metrics      *observe.Metrics
	onTranscript func([]transcript.Line)
	onEnded      func(error)

	mu    sync.Mutex
	state State
	sess  live.Session
	gen   uint64
	done  chan struct{}
}

// New returns a closed Controller.
func New(connector live.Connector, player Player, opts ...Option) *Controller {
	c := &Controller{
		connector:   connector,
		player:      player,
		reconciler:  transcript.New(),
		locale:      "en-GB",
		endOfSpeech: DefaultEndOfSpeechTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Open establishes a session with the given system instructions. On failure
// the error wraps [ErrConnect] and the controller stays closed.
func (c *Controller) Open(ctx context.Context, instructions string, modalities []live.Modality) (err error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "voice.open")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	sess, err := c.connector.Connect(ctx, live.Config{
		Instructions:       instructions,
		Modalities:         modalities,
		Voice:              c.voice,
		Locale:             c.locale,
		EndOfSpeechTimeout: c.endOfSpeech,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		observe.Logger(ctx).Warn("voice: open failed", "err", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while connecting.
		c.mu.Unlock()
		_ = sess.Close()
		return fmt.Errorf("%w: closed while connecting", ErrConnect)
	}
	c.reconciler.Reset()
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.sess = sess
	c.done = done
	c.state = StateOpen
	c.mu.Unlock()

	c.metrics.SessionOpenDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(ctx).Info("voice: session open", "modalities", modalities)

	go c.dispatch(sess, gen, done)
	return nil
}

// Send forwards one encoded frame. It is fire-and-forget.
func (c *Controller) Send(blob audio.Blob) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	sess := c.sess
	c.mu.Unlock()

	if err := sess.Send(blob); err != nil {
		return fmt.Errorf("voice: send: %w", err)
	}
	c.metrics.FramesSent.Add(context.Background(), 1)
	return nil
}

// Active reports whether a session is open.
func (c *Controller) Active() bool {
	return c.State() == StateOpen
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close ends the session, cuts playback and waits for the dispatcher to
// exit. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	sess, done := c.sess, c.done
	c.teardownLocked()
	c.mu.Unlock()

	err := sess.Close()
	c.player.Interrupt()
	<-done
	if err != nil {
		return fmt.Errorf("voice: close: %w", err)
	}
	return nil
}

// Lines returns a snapshot of the reconciled transcript.
func (c *Controller) Lines() []transcript.Line {
	return c.reconciler.Lines()
}

// FlushTranscript finalises the tail line and returns the transcript.
func (c *Controller) FlushTranscript() []transcript.Line {
	return c.reconciler.Flush()
}

// teardownLocked moves an open controller to closed. c.mu must be held.
func (c *Controller) teardownLocked() {
	c.state = StateClosed
	c.sess = nil
	c.gen++
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateOpen
}

func (c *Controller) dispatch(sess live.Session, gen uint64, done chan<- struct{}) {
	defer close(done)

	for evt := range sess.Events() {
		if !c.current(gen) {
			continue
		}
		c.handle(evt)
	}

	c.mu.Lock()
	ended := c.gen == gen && c.state == StateOpen
	if ended {
		c.teardownLocked()
	}
	c.mu.Unlock()
	if !ended {
		return
	}

	err := sess.Err()
	slog.Warn("voice: session ended by remote", "err", err)
	// Releases the wire session's keepalive and context.
	if cerr := sess.Close(); cerr != nil {
		slog.Debug("voice: close after remote end", "err", cerr)
	}
	c.player.Interrupt()
	if c.onEnded != nil {
		c.onEnded(err)
	}
}

func (c *Controller) handle(evt live.Event) {
	ctx := context.Background()

	if evt.Interrupted {
		c.player.Interrupt()
		c.metrics.Interruptions.Add(ctx, 1)
	}

	for _, payload := range evt.Audio {
		raw, err := audio.DecodeBase64(payload)
		if err != nil {
			slog.Debug("voice: dropping audio chunk", "err", err)
			c.metrics.RecordAudioChunk(ctx, "dropped")
			continue
		}
		buf, err := audio.DecodeAudioData(raw, audio.OutputSampleRate, audio.OutputChannels)
		if err != nil {
			slog.Debug("voice: dropping audio chunk", "err", err)
			c.metrics.RecordAudioChunk(ctx, "dropped")
			continue
		}
		c.player.Enqueue(buf)
		c.metrics.RecordAudioChunk(ctx, "scheduled")
	}

	changed := false
	if c.reconciler.Append(transcript.Candidate, evt.InputTranscript) {
		c.metrics.TranscriptFragments.Add(ctx, 1, metric.WithAttributes(observe.Attr("speaker", string(transcript.Candidate))))
		changed = true
	}
	examinerText := evt.OutputTranscript
	if examinerText == "" {
		examinerText = evt.Text
	}
	if c.reconciler.Append(transcript.Examiner, examinerText) {
		c.metrics.TranscriptFragments.Add(ctx, 1, metric.WithAttributes(observe.Attr("speaker", string(transcript.Examiner))))
		changed = true
	}
	if evt.TurnComplete {
		c.reconciler.Finalize()
		changed = true
	}

	if changed && c.onTranscript != nil {
		c.onTranscript(c.reconciler.Lines())
	}
}
