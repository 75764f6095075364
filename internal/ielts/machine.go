// Package ielts runs the IELTS speaking practice flow.
//
// A [Machine] owns the conversation [State] and is driven by candidate
// actions (select a part, start or stop recording) and by its own timers.
// Part 1 and Part 3 are open-ended conversations with the examiner model.
// Part 2 generates a cue card, counts down a preparation minute and then
// records a timed monologue while the examiner stays silent. The Part 2
// topic is carried into Part 3.
//
// Every transition runs on one goroutine started by [Machine.Run]. Public
// methods post a message to that goroutine and wait for the result; timers,
// cue-card results and remote hang-ups post messages too. Each timer and
// generation carries the generation number current when it started, and
// results from an older generation are discarded.
package ielts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/feedback"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live"
)

// ── Collaborators ────────────────────────────────────────────────────────────

// Voice is the live session. [voice.Controller] implements it.
type Voice interface {
	Open(ctx context.Context, instructions string, modalities []live.Modality) error
	Close() error
	FlushTranscript() []transcript.Line
}

// Capture is the microphone path. [capture.Pipeline] implements it.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	SetRecording(on bool)
}

// Credits meters recording time. [credit.Meter] implements it.
type Credits interface {
	Refresh(ctx context.Context) (int64, error)
	Balance() (int64, bool)
	Start(ctx context.Context, onExhausted func())
	Stop()
}

// CueCards generates Part 2 prompts. [cuecard.Generator] implements it.
type CueCards interface {
	Generate(ctx context.Context) (cuecard.Card, error)
}

// Recorder persists finished sessions. [store.Store] implements it.
type Recorder interface {
	InsertLines(ctx context.Context, rec store.SessionRecord) error
}

// FeedbackQueue accepts finished sessions for assessment.
// [feedback.Service] implements it.
type FeedbackQueue interface {
	Submit(req feedback.Request)
}

// Deps groups the machine's collaborators. Feedback may be nil.
type Deps struct {
	Voice    Voice
	Capture  Capture
	Credits  Credits
	CueCards CueCards
	Recorder Recorder
	Feedback FeedbackQueue

	// User returns the signed-in user ID or "".
	User func() string
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Machine].
type Option func(*Machine)

// WithPreparation overrides [DefaultPreparation].
func WithPreparation(d time.Duration) Option {
	return func(m *Machine) {
		if d >= time.Second {
			m.preparation = d
		}
	}
}

// WithSpeaking overrides [DefaultSpeaking].
func WithSpeaking(d time.Duration) Option {
	return func(m *Machine) {
		if d >= time.Second {
			m.speaking = d
		}
	}
}

// WithTickInterval sets how much real time one countdown second takes.
// Defaults to one second; tests shorten it.
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithOpenTimeout bounds opening the live session. Default 15s.
func WithOpenTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.openTimeout = d
		}
	}
}

// WithStoreTimeout bounds store calls made during a transition. Default 5s.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// ── Machine ──────────────────────────────────────────────────────────────────

// Machine is safe for concurrent use once Run has been started.
type Machine struct {
	deps         Deps
	preparation  time.Duration
	speaking     time.Duration
	tick         time.Duration
	openTimeout  time.Duration
	storeTimeout time.Duration
	metrics      *observe.Metrics

	requests chan request
	internal chan func()
	credits  chan int64
	done     chan struct{}
	runOnce  sync.Once

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int

	// Owned by the loop goroutine.
	ctx         context.Context
	state       State
	gen         uint64
	cancelPhase context.CancelFunc
	startedAt   time.Time
}

type request struct {
	fn    func() error
	reply chan error
}

// New returns an idle machine on Part 1.
func New(deps Deps, opts ...Option) *Machine {
	m := &Machine{
		deps:         deps,
		preparation:  DefaultPreparation,
		speaking:     DefaultSpeaking,
		tick:         time.Second,
		openTimeout:  15 * time.Second,
		storeTimeout: 5 * time.Second,
		requests:     make(chan request),
		internal:     make(chan func(), 64),
		credits:      make(chan int64, 1),
		done:         make(chan struct{}),
		subs:         make(map[int]chan State),
		state:        State{Part: Part1, Phase: Idle},
	}
	for _, o := range opts {
		o(m)
	}
	if m.deps.User == nil {
		m.deps.User = func() string { return "" }
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Run processes messages until ctx is done. Any recording is stopped
// before Run returns. Run may be called once.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("ielts: Run called twice")
	}
	defer close(m.done)

	m.ctx = ctx
	m.refreshCredits()
	m.publish()

	for {
		select {
		case <-ctx.Done():
			m.stopRecording("shutdown")
			m.cancelPhaseTasks()
			return nil
		case req := <-m.requests:
			req.reply <- req.fn()
			m.publish()
		case fn := <-m.internal:
			fn()
			m.publish()
		case bal := <-m.credits:
			m.state.Credits = bal
			m.state.CreditsKnown = true
			m.publish()
		}
	}
}

// do runs fn on the loop and returns its error.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.done:
		return ErrStopped
	}
}

// post queues fn for the loop without waiting.
func (m *Machine) post(fn func()) {
	select {
	case m.internal <- fn:
	case <-m.done:
	}
}

// ── Public API ───────────────────────────────────────────────────────────────

// State returns a snapshot.
func (m *Machine) State(ctx context.Context) (State, error) {
	var s State
	err := m.do(ctx, func() error {
		s = m.state.clone()
		return nil
	})
	return s, err
}

// Subscribe returns a channel receiving the latest state after every
// transition. Slow readers only see the newest snapshot. Call cancel to
// unsubscribe; the channel is not closed.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// SelectPart switches part. A running recording is stopped first. Part 3
// is rejected with [ErrPart2Required] until Part 2 has finished. Selecting
// Part 2 starts cue-card generation.
func (m *Machine) SelectPart(ctx context.Context, part Part) error {
	if !part.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPart, part)
	}
	return m.do(ctx, func() error { return m.selectPart(part) })
}

// StartRecording opens a live session for the current part. In Part 2 it
// skips the rest of the preparation time, or resumes speaking on the
// current cue card after an interruption.
func (m *Machine) StartRecording(ctx context.Context) error {
	return m.do(ctx, m.startRecording)
}

// StopRecording ends the recording. It is idempotent. In Part 2 outside
// recording it abandons cue-card generation or preparation.
func (m *Machine) StopRecording(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state.Recording {
			m.finishRecording("user")
			return nil
		}
		if m.state.Part == Part2 && (m.state.Phase == GeneratingPrompt || m.state.Phase == Preparing) {
			m.cancelPhaseTasks()
			m.state.RemainingSeconds = 0
			m.setPhase(Idle)
		}
		return nil
	})
}

// SessionEnded reports that the live session was closed by the remote side.
// Safe to call from any goroutine.
func (m *Machine) SessionEnded(err error) {
	m.post(func() {
		if !m.state.Recording {
			return
		}
		slog.Warn("ielts: live session ended remotely", "session_id", m.state.SessionID, "err", err)
		m.interruptRecording("remote_end", "The connection to the examiner was lost. Start again to continue.")
	})
}

// UserChanged resets per-user progress and stops any recording. Safe to
// call from any goroutine.
func (m *Machine) UserChanged() {
	m.post(func() {
		m.stopRecording("user_changed")
		m.cancelPhaseTasks()
		m.state = State{Part: Part1, Phase: Idle}
		m.refreshCredits()
		m.metrics.RecordTransition(m.ctx, m.state.Part.String(), string(Idle))
	})
}

// CreditsChanged updates the displayed balance. Safe to call from any
// goroutine, including the loop itself. It never blocks; only the latest
// pending balance is applied.
func (m *Machine) CreditsChanged(balance int64) {
	for {
		select {
		case m.credits <- balance:
			return
		default:
		}
		select {
		case <-m.credits:
		default:
		}
	}
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (m *Machine) selectPart(part Part) error {
	if part == Part3 && !m.state.Part2Finished {
		return ErrPart2Required
	}

	m.stopRecording("part_switch")
	m.cancelPhaseTasks()

	m.state.Part = part
	m.state.CueCard = nil
	m.state.RemainingSeconds = 0
	m.state.Notice = ""
	m.state.SessionID = ""

	if part != Part2 {
		m.setPhase(Idle)
		return nil
	}

	if !m.checkCredits() {
		m.setPhase(Idle)
		return nil
	}
	m.setPhase(GeneratingPrompt)
	ctx, gen := m.beginPhaseTasks()
	go func() {
		card, err := m.deps.CueCards.Generate(ctx)
		m.post(func() { m.cueCardReady(gen, card, err) })
	}()
	return nil
}

func (m *Machine) cueCardReady(gen uint64, card cuecard.Card, err error) {
	if gen != m.gen || m.state.Phase != GeneratingPrompt {
		slog.Debug("ielts: discarding stale cue card")
		return
	}
	if err != nil {
		slog.Warn("ielts: cue card generation failed", "err", err)
		m.state.Notice = "Could not generate a cue card. Select Part 2 to try again."
		m.cancelPhaseTasks()
		m.setPhase(Idle)
		return
	}
	m.state.CueCard = &card
	m.beginCountdown(Preparing, m.preparation)
}

func (m *Machine) startRecording() error {
	if m.state.Recording {
		return ErrRecording
	}
	if m.state.Part == Part2 {
		if m.state.CueCard == nil || m.state.Phase == GeneratingPrompt {
			return ErrNotReady
		}
		m.beginSpeaking()
		return nil
	}

	m.cancelPhaseTasks()
	m.state.Notice = ""
	if !m.checkCredits() {
		return nil
	}
	if !m.openSession(Instructions(m.state.Part, nil, m.state.Topic)) {
		m.setPhase(Idle)
		return nil
	}
	m.state.RemainingSeconds = 0
	m.setPhase(Speaking)
	return nil
}

// beginSpeaking moves Part 2 into the timed monologue.
func (m *Machine) beginSpeaking() {
	m.cancelPhaseTasks()
	m.state.RemainingSeconds = 0
	m.state.Notice = ""
	if !m.checkCredits() {
		m.setPhase(Idle)
		return
	}
	if !m.openSession(Instructions(Part2, m.state.CueCard, "")) {
		m.setPhase(Idle)
		return
	}
	m.beginCountdown(Speaking, m.speaking)
}

// openSession gates on credits having been checked, then opens the live
// session, starts capture and metering. On failure everything opened so far
// is released and a notice is set.
func (m *Machine) openSession(instructions string) bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.openTimeout)
	defer cancel()

	if err := m.deps.Voice.Open(ctx, instructions, []live.Modality{live.ModalityAudio}); err != nil {
		slog.Warn("ielts: could not open live session", "part", m.state.Part, "err", err)
		m.state.Notice = "Could not start the session. Check your connection and try again."
		return false
	}
	if err := m.deps.Capture.Start(ctx); err != nil {
		slog.Warn("ielts: could not start microphone", "err", err)
		m.state.Notice = "Could not access the microphone: " + err.Error()
		if err := m.deps.Voice.Close(); err != nil {
			slog.Warn("ielts: close after capture failure", "err", err)
		}
		return false
	}

	m.state.SessionID = uuid.NewString()
	m.state.Recording = true
	m.startedAt = time.Now().UTC()
	m.deps.Capture.SetRecording(true)

	sessionID := m.state.SessionID
	m.deps.Credits.Start(m.ctx, func() {
		m.post(func() { m.creditsExhausted(sessionID) })
	})
	slog.Info("ielts: recording started", "part", m.state.Part, "session_id", m.state.SessionID)
	return true
}

func (m *Machine) creditsExhausted(sessionID string) {
	if !m.state.Recording || sessionID != m.state.SessionID {
		return
	}
	m.state.Credits = 0
	m.state.CreditsKnown = true
	m.interruptRecording("credits_exhausted", "You have used all your practice time.")
	m.state.UpgradeRequired = true
}

// interruptRecording stops a recording that did not end normally. Part 2
// keeps its cue card so speaking can be resumed.
func (m *Machine) interruptRecording(reason, notice string) {
	m.stopRecording(reason)
	m.state.RemainingSeconds = 0
	m.state.Notice = notice
	if m.state.Part == Part2 {
		m.setPhase(Idle)
		return
	}
	m.setPhase(Finished)
}

// finishRecording ends a recording normally.
func (m *Machine) finishRecording(reason string) {
	m.stopRecording(reason)
	m.state.RemainingSeconds = 0
	if m.state.Part == Part2 && m.state.CueCard != nil {
		m.state.Topic = m.state.CueCard.Topic
		m.state.Part2Finished = true
	}
	m.setPhase(Finished)
}

// stopRecording tears a recording down. Every step is best effort and the
// recording flag makes repeated calls no-ops.
func (m *Machine) stopRecording(reason string) {
	if !m.state.Recording {
		return
	}
	m.state.Recording = false
	m.deps.Capture.SetRecording(false)
	m.cancelPhaseTasks()
	m.deps.Credits.Stop()

	sessionID := m.state.SessionID
	lines := m.deps.Voice.FlushTranscript()
	m.persist(sessionID, lines)

	if err := m.deps.Voice.Close(); err != nil {
		slog.Warn("ielts: close live session", "session_id", sessionID, "err", err)
	}
	if err := m.deps.Capture.Stop(); err != nil {
		slog.Warn("ielts: stop capture", "session_id", sessionID, "err", err)
	}

	// The balance shown in the UI catches up with the final charge.
	m.refreshCredits()
	slog.Info("ielts: recording stopped", "session_id", sessionID, "reason", reason, "lines", len(lines))
}

func (m *Machine) persist(sessionID string, lines []transcript.Line) {
	if len(lines) == 0 {
		return
	}
	rec := store.SessionRecord{
		ID:        sessionID,
		UserID:    m.deps.User(),
		Part:      int(m.state.Part),
		Topic:     m.sessionTopic(),
		CreatedAt: m.startedAt,
		Lines:     lines,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.storeTimeout)
	defer cancel()
	if err := m.deps.Recorder.InsertLines(ctx, rec); err != nil {
		m.metrics.RecordStoreError(ctx, "insert_lines")
		slog.Warn("ielts: could not save transcript", "session_id", sessionID, "err", err)
	}
	if m.deps.Feedback != nil {
		m.deps.Feedback.Submit(feedback.Request{
			SessionID: rec.ID,
			UserID:    rec.UserID,
			Part:      rec.Part,
			Topic:     rec.Topic,
			Lines:     rec.Lines,
		})
	}
}

func (m *Machine) sessionTopic() string {
	switch m.state.Part {
	case Part2:
		if m.state.CueCard != nil {
			return m.state.CueCard.Topic
		}
	case Part3:
		return m.state.Topic
	}
	return ""
}

// checkCredits refreshes the balance and blocks a start when it is not
// positive. A failed refresh falls back to the cached balance.
func (m *Machine) checkCredits() bool {
	m.refreshCredits()
	if m.state.CreditsKnown && m.state.Credits <= 0 {
		m.state.UpgradeRequired = true
		m.state.Notice = "You have no practice time left."
		slog.Info("ielts: start blocked, no credits")
		return false
	}
	m.state.UpgradeRequired = false
	return true
}

func (m *Machine) refreshCredits() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.storeTimeout)
	defer cancel()
	bal, err := m.deps.Credits.Refresh(ctx)
	if err != nil {
		slog.Warn("ielts: credit refresh failed", "err", err)
	}
	if cached, known := m.deps.Credits.Balance(); known {
		bal = cached
	} else if err != nil {
		return
	}
	m.state.Credits = bal
	m.state.CreditsKnown = true
}

// ── Phase tasks ──────────────────────────────────────────────────────────────

// beginPhaseTasks starts a new generation and returns a context cancelled
// when the phase is left.
func (m *Machine) beginPhaseTasks() (context.Context, uint64) {
	m.cancelPhaseTasks()
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelPhase = cancel
	return ctx, m.gen
}

// cancelPhaseTasks cancels timers and in-flight generation and invalidates
// anything they may still post.
func (m *Machine) cancelPhaseTasks() {
	if m.cancelPhase != nil {
		m.cancelPhase()
		m.cancelPhase = nil
	}
	m.gen++
}

func (m *Machine) beginCountdown(phase Phase, d time.Duration) {
	ctx, gen := m.beginPhaseTasks()
	m.state.RemainingSeconds = int(d / time.Second)
	m.setPhase(phase)

	go func() {
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case m.internal <- func() { m.onTick(gen) }:
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Machine) onTick(gen uint64) {
	if gen != m.gen || m.state.RemainingSeconds <= 0 {
		return
	}
	m.state.RemainingSeconds--
	if m.state.RemainingSeconds > 0 {
		return
	}
	switch m.state.Phase {
	case Preparing:
		m.beginSpeaking()
	case Speaking:
		m.finishRecording("time_up")
	}
}

func (m *Machine) setPhase(p Phase) {
	if m.state.Phase == p {
		return
	}
	m.state.Phase = p
	m.metrics.RecordTransition(m.ctx, m.state.Part.String(), string(p))
	slog.Debug("ielts: phase", "part", m.state.Part, "phase", p)
}

func (m *Machine) publish() {
	snap := m.state.clone()
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
