package ielts_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/feedback"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/ielts"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeVoice struct {
	mu           sync.Mutex
	openErr      error
	instructions []string
	closes       int
	lines        []transcript.Line
}

func (v *fakeVoice) Open(_ context.Context, instructions string, _ []live.Modality) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openErr != nil {
		return v.openErr
	}
	v.instructions = append(v.instructions, instructions)
	return nil
}

func (v *fakeVoice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closes++
	return nil
}

func (v *fakeVoice) FlushTranscript() []transcript.Line {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]transcript.Line(nil), v.lines...)
}

func (v *fakeVoice) opened() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.instructions...)
}

func (v *fakeVoice) closeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closes
}

type fakeCapture struct {
	mu        sync.Mutex
	startErr  error
	starts    int
	stops     int
	recording bool
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapture) SetRecording(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = on
}

func (c *fakeCapture) snapshot() (starts, stops int, recording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.recording
}

type fakeCredits struct {
	mu          sync.Mutex
	balance     int64
	onExhausted func()
	onRefresh   func()
	starts      int
	stops       int
}

func (c *fakeCredits) Refresh(context.Context) (int64, error) {
	c.mu.Lock()
	hook := c.onRefresh
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *fakeCredits) setOnRefresh(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRefresh = fn
}

func (c *fakeCredits) Balance() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, true
}

func (c *fakeCredits) Start(_ context.Context, onExhausted func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.onExhausted = onExhausted
}

func (c *fakeCredits) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeCredits) set(bal int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = bal
}

func (c *fakeCredits) exhaust() {
	c.mu.Lock()
	fn := c.onExhausted
	c.balance = 0
	c.mu.Unlock()
	fn()
}

func (c *fakeCredits) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type fakeCueCards struct {
	mu    sync.Mutex
	card  cuecard.Card
	err   error
	block chan struct{}
	calls int
}

func (g *fakeCueCards) Generate(ctx context.Context) (cuecard.Card, error) {
	g.mu.Lock()
	g.calls++
	block, card, err := g.block, g.card, g.err
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return cuecard.Card{}, ctx.Err()
		}
	}
	return card, err
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []store.SessionRecord
}

func (r *fakeRecorder) InsertLines(_ context.Context, rec store.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) all() []store.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.SessionRecord(nil), r.records...)
}

type fakeFeedback struct {
	mu   sync.Mutex
	reqs []feedback.Request
}

func (f *fakeFeedback) Submit(req feedback.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeFeedback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type harness struct {
	m        *ielts.Machine
	voice    *fakeVoice
	capture  *fakeCapture
	credits  *fakeCredits
	cards    *fakeCueCards
	recorder *fakeRecorder
	feedback *fakeFeedback
}

var testCard = cuecard.Card{
	Topic:       "A memorable journey",
	Description: "Describe a journey you remember well.",
	Points:      []string{"where you went", "who you went with", "what happened"},
}

func newHarness(t *testing.T, opts ...ielts.Option) *harness {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		voice: &fakeVoice{lines: []transcript.Line{
			{Speaker: transcript.Examiner, Text: "Tell me about it.", Status: transcript.Final},
			{Speaker: transcript.Candidate, Text: "Well, last summer...", Status: transcript.Final},
		}},
		capture:  &fakeCapture{},
		credits:  &fakeCredits{balance: 300},
		cards:    &fakeCueCards{card: testCard},
		recorder: &fakeRecorder{},
		feedback: &fakeFeedback{},
	}
	opts = append([]ielts.Option{
		ielts.WithMetrics(metrics),
		ielts.WithPreparation(2 * time.Second),
		ielts.WithSpeaking(3 * time.Second),
		ielts.WithTickInterval(5 * time.Millisecond),
	}, opts...)
	h.m = ielts.New(ielts.Deps{
		Voice:    h.voice,
		Capture:  h.capture,
		Credits:  h.credits,
		CueCards: h.cards,
		Recorder: h.recorder,
		Feedback: h.feedback,
		User:     func() string { return "user-1" },
	}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) state(t *testing.T) ielts.State {
	t.Helper()
	s, err := h.m.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func (h *harness) waitFor(t *testing.T, what string, cond func(ielts.State) bool) ielts.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := h.state(t)
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", what, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func phaseIs(part ielts.Part, phase ielts.Phase) func(ielts.State) bool {
	return func(s ielts.State) bool { return s.Part == part && s.Phase == phase }
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestInitialState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.waitFor(t, "credits", func(s ielts.State) bool { return s.CreditsKnown })
	if s.Part != ielts.Part1 || s.Phase != ielts.Idle || s.Recording {
		t.Errorf("initial state = %+v", s)
	}
	if s.Credits != 300 {
		t.Errorf("Credits = %d, want 300", s.Credits)
	}
}

func TestSelectPart_RejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.m.SelectPart(context.Background(), 4); !errors.Is(err, ielts.ErrInvalidPart) {
		t.Errorf("SelectPart(4) = %v, want ErrInvalidPart", err)
	}
}

func TestPart3_RequiresPart2(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	err := h.m.SelectPart(ctx, ielts.Part3)
	if !errors.Is(err, ielts.ErrPart2Required) {
		t.Fatalf("SelectPart(3) = %v, want ErrPart2Required", err)
	}
	s := h.state(t)
	if s.Part != ielts.Part1 || !s.Recording {
		t.Errorf("state changed by rejected selection: %+v", s)
	}
	if h.voice.closeCount() != 0 {
		t.Error("rejected selection stopped the recording")
	}
}

func TestPart1_RecordAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if !s.Recording || s.Phase != ielts.Speaking || s.SessionID == "" || s.RemainingSeconds != 0 {
		t.Fatalf("after start: %+v", s)
	}
	if _, _, rec := h.capture.snapshot(); !rec {
		t.Error("capture not recording")
	}
	if err := h.m.StartRecording(ctx); !errors.Is(err, ielts.ErrRecording) {
		t.Errorf("second start = %v, want ErrRecording", err)
	}
	opened := h.voice.opened()
	if len(opened) != 1 || !strings.Contains(opened[0], "Part 1") {
		t.Errorf("instructions = %q", opened)
	}

	if err := h.m.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	s = h.state(t)
	if s.Recording || s.Phase != ielts.Finished {
		t.Errorf("after stop: %+v", s)
	}
	recs := h.recorder.all()
	if len(recs) != 1 || recs[0].ID != s.SessionID || recs[0].UserID != "user-1" || recs[0].Part != 1 || len(recs[0].Lines) != 2 {
		t.Errorf("records = %+v", recs)
	}
	if h.feedback.count() != 1 {
		t.Errorf("feedback submissions = %d, want 1", h.feedback.count())
	}
	if starts, stops := h.credits.counts(); starts != 1 || stops != 1 {
		t.Errorf("meter starts=%d stops=%d", starts, stops)
	}
}

func TestStopRecording_ConcurrentCleansUpOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			if err := h.m.StopRecording(ctx); err != nil {
				t.Errorf("StopRecording: %v", err)
			}
		})
	}
	wg.Wait()

	if n := h.voice.closeCount(); n != 1 {
		t.Errorf("voice closed %d times, want 1", n)
	}
	if _, stops, rec := h.capture.snapshot(); stops != 1 || rec {
		t.Errorf("capture stops=%d recording=%v", stops, rec)
	}
	if n := len(h.recorder.all()); n != 1 {
		t.Errorf("persisted %d times, want 1", n)
	}
}

func TestStartRecording_BlockedWithoutCredits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.credits.set(0)

	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if s.Recording || !s.UpgradeRequired || s.Notice == "" {
		t.Errorf("state = %+v", s)
	}
	if len(h.voice.opened()) != 0 {
		t.Error("session opened without credits")
	}
}

func TestCreditsExhausted_StopsRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.credits.exhaust()
	s := h.waitFor(t, "stop on exhaustion", func(s ielts.State) bool { return !s.Recording })
	if s.Phase != ielts.Finished || !s.UpgradeRequired || s.Credits != 0 {
		t.Errorf("state = %+v", s)
	}
	if h.voice.closeCount() != 1 {
		t.Error("session not closed")
	}
}

func TestConnectFailure_ReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.voice.openErr = errors.New("dial refused")

	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if s.Recording || s.Phase != ielts.Idle || s.Notice == "" {
		t.Errorf("state = %+v", s)
	}
	if starts, _, _ := h.capture.snapshot(); starts != 0 {
		t.Error("capture started after connect failure")
	}
}

func TestCaptureFailure_ClosesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.capture.startErr = errors.New("no microphone")

	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if s.Recording || !strings.Contains(s.Notice, "no microphone") {
		t.Errorf("state = %+v", s)
	}
	if h.voice.closeCount() != 1 {
		t.Error("session left open after capture failure")
	}
}

func TestPart2_FullFlowUnlocksPart3(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ielts.WithTickInterval(25*time.Millisecond))
	ctx := context.Background()

	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	s := h.waitFor(t, "preparing", phaseIs(ielts.Part2, ielts.Preparing))
	if s.CueCard == nil || s.CueCard.Topic != testCard.Topic || s.Recording {
		t.Fatalf("preparing state = %+v", s)
	}

	s = h.waitFor(t, "finished", phaseIs(ielts.Part2, ielts.Finished))
	opened := h.voice.opened()
	if len(opened) != 1 || !strings.Contains(opened[0], testCard.Description) || !strings.Contains(opened[0], "silent") {
		t.Errorf("part 2 instructions = %q", opened)
	}
	if starts, stops, _ := h.capture.snapshot(); starts != 1 || stops != 1 {
		t.Errorf("capture starts=%d stops=%d", starts, stops)
	}
	if s.Recording || !s.Part2Finished || s.Topic != testCard.Topic || s.RemainingSeconds != 0 {
		t.Errorf("finished state = %+v", s)
	}
	recs := h.recorder.all()
	if len(recs) != 1 || recs[0].Part != 2 || recs[0].Topic != testCard.Topic {
		t.Errorf("records = %+v", recs)
	}

	if err := h.m.SelectPart(ctx, ielts.Part3); err != nil {
		t.Fatalf("SelectPart(3) after Part 2: %v", err)
	}
	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	opened = h.voice.opened()
	if len(opened) != 2 || !strings.Contains(opened[1], testCard.Topic) {
		t.Errorf("part 3 instructions = %q", opened)
	}
	if err := h.m.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	recs = h.recorder.all()
	if len(recs) != 2 || recs[1].Part != 3 || recs[1].Topic != testCard.Topic {
		t.Errorf("part 3 record = %+v", recs)
	}
}

func TestPart2_SkipPreparation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ielts.WithPreparation(time.Minute), ielts.WithTickInterval(time.Second))
	ctx := context.Background()

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	if h.voice.closeCount() != 1 {
		t.Error("switching part did not stop the Part 1 recording")
	}
	h.waitFor(t, "preparing", phaseIs(ielts.Part2, ielts.Preparing))

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if s.Phase != ielts.Speaking || !s.Recording || s.RemainingSeconds != 3 {
		t.Errorf("state after skipping = %+v", s)
	}
}

func TestPart2_CueCardFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cards.err = errors.New("model unavailable")

	if err := h.m.SelectPart(context.Background(), ielts.Part2); err != nil {
		t.Fatal(err)
	}
	s := h.waitFor(t, "idle", phaseIs(ielts.Part2, ielts.Idle))
	if s.CueCard != nil || s.Notice == "" {
		t.Errorf("state = %+v", s)
	}
	if err := h.m.StartRecording(context.Background()); !errors.Is(err, ielts.ErrNotReady) {
		t.Errorf("StartRecording = %v, want ErrNotReady", err)
	}
}

func TestPart2_StaleCueCardIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.cards.block = release
	ctx := context.Background()

	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	if s := h.state(t); s.Phase != ielts.GeneratingPrompt {
		t.Fatalf("phase = %s, want generating_prompt", s.Phase)
	}
	if err := h.m.SelectPart(ctx, ielts.Part1); err != nil {
		t.Fatal(err)
	}
	close(release)
	time.Sleep(30 * time.Millisecond)

	s := h.state(t)
	if s.Part != ielts.Part1 || s.Phase != ielts.Idle || s.CueCard != nil {
		t.Errorf("stale cue card applied: %+v", s)
	}
}

func TestPart2_StopDuringPreparationCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ielts.WithTickInterval(time.Second))
	ctx := context.Background()
	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "preparing", phaseIs(ielts.Part2, ielts.Preparing))

	if err := h.m.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.state(t)
	if s.Phase != ielts.Idle || s.RemainingSeconds != 0 || s.CueCard == nil {
		t.Errorf("state = %+v", s)
	}
	if len(h.voice.opened()) != 0 {
		t.Error("session opened")
	}
}

func TestSessionEnded_Part2KeepsCardForResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ielts.WithTickInterval(time.Second))
	ctx := context.Background()
	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "preparing", phaseIs(ielts.Part2, ielts.Preparing))
	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}

	h.m.SessionEnded(errors.New("goaway"))
	s := h.waitFor(t, "interrupted", func(s ielts.State) bool { return !s.Recording })
	if s.Phase != ielts.Idle || s.CueCard == nil || s.Notice == "" || s.Part2Finished {
		t.Errorf("state = %+v", s)
	}

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s := h.state(t); !s.Recording || s.Phase != ielts.Speaking {
		t.Errorf("resumed state = %+v", s)
	}
}

func TestSessionEnded_Part1Finishes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.m.SessionEnded(errors.New("goaway"))
	s := h.waitFor(t, "finished", phaseIs(ielts.Part1, ielts.Finished))
	if s.Recording || s.Notice == "" {
		t.Errorf("state = %+v", s)
	}
	if len(h.recorder.all()) != 1 {
		t.Error("transcript not saved after remote end")
	}
}

func TestUserChanged_ResetsProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.SelectPart(ctx, ielts.Part2); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "finished", phaseIs(ielts.Part2, ielts.Finished))

	h.credits.set(42)
	h.m.UserChanged()
	s := h.waitFor(t, "reset", func(s ielts.State) bool { return s.Part == ielts.Part1 })
	if s.Part2Finished || s.Topic != "" || s.Credits != 42 {
		t.Errorf("state = %+v", s)
	}
}

func TestCreditsChanged_FromLoopDoesNotBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.state(t)

	// A meter reporting many changes while the loop refreshes the balance.
	h.credits.setOnRefresh(func() {
		for i := range 500 {
			h.m.CreditsChanged(int64(1000 + i))
		}
	})
	h.m.UserChanged()

	done := make(chan ielts.State, 1)
	go func() {
		s, err := h.m.State(context.Background())
		if err == nil {
			done <- s
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("State blocked after CreditsChanged burst on the loop")
	}

	s := h.waitFor(t, "latest balance", func(s ielts.State) bool { return s.Credits == 1499 })
	if !s.CreditsKnown {
		t.Errorf("CreditsKnown = false, state = %+v", s)
	}
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch, cancel := h.m.Subscribe()
	defer cancel()

	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Recording {
				return
			}
		case <-deadline:
			t.Fatal("no recording snapshot received")
		}
	}
}

func TestStopped_ReturnsErrStopped(t *testing.T) {
	t.Parallel()
	m := ielts.New(ielts.Deps{
		Voice:    &fakeVoice{},
		Capture:  &fakeCapture{},
		Credits:  &fakeCredits{balance: 10},
		CueCards: &fakeCueCards{},
		Recorder: &fakeRecorder{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.State(context.Background()); !errors.Is(err, ielts.ErrStopped) {
		t.Errorf("State after Run = %v, want ErrStopped", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}
