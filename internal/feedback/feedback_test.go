package feedback_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/feedback"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/resilience"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	llmmock "github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type result struct {
	fb  store.Feedback
	err error
}

func newService(t *testing.T, p *llmmock.Provider, w feedback.Writer) (*feedback.Service, <-chan result) {
	t.Helper()
	done := make(chan result, 4)
	s := feedback.New(p, w,
		feedback.WithMetrics(testMetrics(t)),
		feedback.WithPolicy(resilience.Policy{Attempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond}),
		feedback.WithOnDone(func(fb store.Feedback, err error) { done <- result{fb, err} }),
	)
	t.Cleanup(func() { _ = s.Close() })
	return s, done
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
		return result{}
	}
}

var lines = []transcript.Line{
	{Speaker: transcript.Examiner, Text: "Describe a journey.", Status: transcript.Final},
	{Speaker: transcript.Candidate, Text: "I travelled to Lisbon by train.", Status: transcript.Final},
}

func TestSubmit_StoresFeedback(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{"Overall band 7."}}
	mem := store.NewMemStore()
	s, done := newService(t, p, mem)

	s.Submit(feedback.Request{SessionID: "s1", UserID: "u1", Part: 2, Topic: "A journey", Lines: lines})
	r := wait(t, done)
	if r.err != nil {
		t.Fatalf("job error: %v", r.err)
	}

	fb, err := mem.Feedback(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if fb.Text != "Overall band 7." || fb.UserID != "u1" {
		t.Errorf("stored = %+v", fb)
	}
	prompt := p.Calls()[0].Req.Prompt
	if !strings.Contains(prompt, "Part 2, topic: A journey") || !strings.Contains(prompt, "Candidate: I travelled to Lisbon by train.") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestSubmit_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	boom := errors.New("unavailable")
	p := &llmmock.Provider{Errs: []error{boom, boom, nil}, Responses: []string{"", "", "Band 6."}}
	mem := store.NewMemStore()
	s, done := newService(t, p, mem)

	s.Submit(feedback.Request{SessionID: "s1", UserID: "u1", Part: 1, Lines: lines})
	if r := wait(t, done); r.err != nil {
		t.Fatalf("job error: %v", r.err)
	}
	if p.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", p.CallCount())
	}
}

func TestSubmit_SkippedAfterCap(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Errs: []error{errors.New("unavailable")}}
	mem := store.NewMemStore()
	s, done := newService(t, p, mem)

	s.Submit(feedback.Request{SessionID: "s1", UserID: "u1", Part: 1, Lines: lines})
	if r := wait(t, done); r.err == nil {
		t.Fatal("expected the job to be skipped")
	}
	if p.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", p.CallCount())
	}
	if _, err := mem.Feedback(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("feedback stored despite failure: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) InsertFeedback(context.Context, store.Feedback) error {
	return errors.New("disk full")
}

func TestSubmit_PersistFailureIsReported(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{"Band 8."}}
	s, done := newService(t, p, failingWriter{})

	s.Submit(feedback.Request{SessionID: "s1", UserID: "u1", Part: 3, Lines: lines})
	r := wait(t, done)
	if r.err == nil || r.fb.Text != "Band 8." {
		t.Errorf("result = %+v", r)
	}
}

func TestSubmit_IgnoresSilentSessions(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{"x"}}
	s, _ := newService(t, p, store.NewMemStore())

	s.Submit(feedback.Request{SessionID: "s1", Lines: []transcript.Line{{Speaker: transcript.Examiner, Text: "Hello"}}})
	_ = s.Close()
	if p.CallCount() != 0 {
		t.Errorf("calls = %d, want 0", p.CallCount())
	}
}

func TestClose_CancelsPendingJobs(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Block: make(chan struct{})}
	s, done := newService(t, p, store.NewMemStore())

	s.Submit(feedback.Request{SessionID: "s1", Lines: lines})
	for p.CallCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	_ = s.Close()
	if r := wait(t, done); !errors.Is(r.err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", r.err)
	}
}
