// Package feedback produces an examiner-style assessment of a finished
// practice session and attaches it to the stored session.
//
// Generation runs in the background. It is retried with exponential backoff
// and skipped once the attempts run out; nothing is reported back to the
// candidate beyond the stored annotation.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/resilience"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
)

// Writer is the subset of [store.Store] used to persist feedback.
type Writer interface {
	InsertFeedback(ctx context.Context, fb store.Feedback) error
}

// Request describes one session to assess.
type Request struct {
	SessionID string
	UserID    string
	Part      int
	Topic     string
	Lines     []transcript.Line
}

// Option configures a [Service].
type Option func(*Service)

// WithPolicy overrides the retry policy. Default: 3 attempts, 1s doubling.
func WithPolicy(p resilience.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOnDone is called after every job with the stored feedback, or with an
// error when the job was skipped.
func WithOnDone(fn func(store.Feedback, error)) Option {
	return func(s *Service) { s.onDone = fn }
}

// Service runs feedback jobs. It is safe for concurrent use.
type Service struct {
	provider llm.Provider
	writer   Writer
	policy   resilience.Policy
	metrics  *observe.Metrics
	onDone   func(store.Feedback, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Service. Call Close to cancel outstanding jobs.
func New(p llm.Provider, w Writer, opts ...Option) *Service {
	s := &Service{
		provider: p,
		writer:   w,
		policy:   resilience.Policy{Attempts: 3, Initial: time.Second, Max: 8 * time.Second, Name: "feedback"},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Submit queues a job and returns immediately. Sessions without candidate
// speech are ignored.
func (s *Service) Submit(req Request) {
	if !hasCandidateSpeech(req.Lines) {
		slog.Debug("feedback: nothing to assess", "session_id", req.SessionID)
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fb, err := s.run(s.ctx, req)
		if err != nil {
			slog.Warn("feedback: skipped", "session_id", req.SessionID, "err", err)
		}
		if s.onDone != nil {
			s.onDone(fb, err)
		}
	}()
}

// Close cancels outstanding jobs and waits for them to exit.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) run(ctx context.Context, req Request) (store.Feedback, error) {
	prompt := Prompt(req)

	var text string
	err := resilience.Retry(ctx, s.policy, func(ctx context.Context) error {
		start := time.Now()
		out, err := s.provider.Generate(ctx, llm.Request{
			SystemPrompt: systemPrompt,
			Prompt:       prompt,
		})
		s.metrics.RecordGeneration(ctx, "feedback", time.Since(start), err)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		return store.Feedback{}, fmt.Errorf("feedback: generate: %w", err)
	}

	fb := store.Feedback{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writer.InsertFeedback(ctx, fb); err != nil {
		s.metrics.RecordStoreError(ctx, "insert_feedback")
		return fb, fmt.Errorf("feedback: persist: %w", err)
	}
	slog.Info("feedback: stored", "session_id", req.SessionID)
	return fb, nil
}

const systemPrompt = `You are a certified IELTS speaking examiner. Assess the candidate's
performance in the transcript you are given. Give an estimated band (0 to 9,
in half bands) for each criterion: Fluency and Coherence, Lexical Resource,
Grammatical Range and Accuracy, Pronunciation. Follow with an overall band and
three concrete suggestions for improvement. Quote the candidate where useful.
Judge only the candidate's turns.`

// Prompt renders the transcript for the examiner model.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IELTS Speaking Part %d", req.Part)
	if req.Topic != "" {
		fmt.Fprintf(&b, ", topic: %s", req.Topic)
	}
	b.WriteString("\n\nTranscript:\n")
	for _, l := range req.Lines {
		name := "Candidate"
		if l.Speaker == transcript.Examiner {
			name = "Examiner"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, strings.TrimSpace(l.Text))
	}
	return b.String()
}

func hasCandidateSpeech(lines []transcript.Line) bool {
	for _, l := range lines {
		if l.Speaker == transcript.Candidate && strings.TrimSpace(l.Text) != "" {
			return true
		}
	}
	return false
}
