// Package app wires all coach subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the conversation machine, the UI bridge, the
// speaker and the level meters until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithConnector, WithLLM, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/config"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/credit"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/feedback"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/health"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/identity"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/ielts"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/resilience"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/server"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store/postgres"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store/sqlite"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/voice"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/analyser"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/capture"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/playback"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/portaudio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/scheduler"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live"
	livegemini "github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/live/gemini"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
	llmgemini "github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm/gemini"
)

// Speaker is an output device pulling rendered blocks.
// [portaudio.Speaker] implements it.
type Speaker interface {
	Open(sampleRate, framesPerBuffer int, render func([]float32)) error
	Close() error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	ident      identity.Provider
	llm        llm.Provider
	breaker    *resilience.Breaker
	connector  live.Connector
	mic        capture.Device
	speaker    Speaker
	speakerOn  atomic.Bool
	ownsStore  bool
	inputTap   *audio.Tap
	outputTap  *audio.Tap
	timeline   *playback.Timeline
	scheduler  *scheduler.Scheduler
	controller *voice.Controller
	capture    *capture.Pipeline
	meter      *credit.Meter
	feedback   *feedback.Service
	machine    *ielts.Machine
	hub        *server.Hub
	health     *health.Handler
	server     *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithIdentity injects an identity provider.
func WithIdentity(p identity.Provider) Option {
	return func(a *App) { a.ident = p }
}

// WithLLM injects the one-shot generation provider.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithConnector injects the live session connector.
func WithConnector(c live.Connector) Option {
	return func(a *App) { a.connector = c }
}

// WithMicrophone injects the capture device instead of PortAudio.
func WithMicrophone(d capture.Device) Option {
	return func(a *App) { a.mic = d }
}

// WithSpeaker injects the output device instead of PortAudio.
func WithSpeaker(s Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. PortAudio must be
// initialised by the caller unless both audio devices are injected.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Identity ──────────────────────────────────────────────────────
	a.initIdentity()

	// ── 3. Remote model ──────────────────────────────────────────────────
	if err := a.initModels(ctx); err != nil {
		if a.ownsStore {
			_ = a.store.Close()
		}
		return nil, fmt.Errorf("app: init models: %w", err)
	}

	// ── 4. Audio graph ───────────────────────────────────────────────────
	a.initAudio()

	// ── 5. Conversation ──────────────────────────────────────────────────
	a.initConversation()

	// ── 6. UI bridge ─────────────────────────────────────────────────────
	a.initServer()

	if a.ownsStore {
		// Closed after the feedback queue drains.
		a.closers = append(a.closers, a.store.Close)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	sc := a.cfg.Store
	switch sc.Backend {
	case config.StorePostgres:
		s, err := postgres.New(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoreSQLite:
		s, err := sqlite.New(sc.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.store = store.NewMemStore()
	}
	a.ownsStore = true
	slog.Info("store ready", "backend", sc.Backend)
	return nil
}

func (a *App) initIdentity() {
	if a.ident != nil {
		return
	}
	ic := a.cfg.Identity
	if ic.Kind == config.IdentityOAuth && ic.Google != nil {
		a.ident = identity.NewOAuth(map[string]identity.OAuthProvider{
			"google": identity.GoogleProvider(ic.Google.ClientID, ic.Google.ClientSecret, ic.Google.RedirectURL),
		})
		return
	}
	a.ident = identity.NewStatic(identity.Session{UserID: ic.StaticUser})
}

func (a *App) initModels(ctx context.Context) error {
	gc := a.cfg.Gemini
	if a.llm == nil {
		var opts []llmgemini.Option
		if gc.TextModel != "" {
			opts = append(opts, llmgemini.WithModel(gc.TextModel))
		}
		if gc.TextBaseURL != "" {
			opts = append(opts, llmgemini.WithBaseURL(gc.TextBaseURL))
		}
		p, err := llmgemini.New(ctx, gc.APIKey, opts...)
		if err != nil {
			return err
		}
		a.llm = p
	}
	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "gemini-text"})
	a.llm = resilience.GuardLLM(a.llm, a.breaker)

	if a.connector == nil {
		var opts []livegemini.Option
		if gc.LiveModel != "" {
			opts = append(opts, livegemini.WithModel(gc.LiveModel))
		}
		if gc.LiveBaseURL != "" {
			opts = append(opts, livegemini.WithBaseURL(gc.LiveBaseURL))
		}
		a.connector = livegemini.New(gc.APIKey, opts...)
	}
	return nil
}

func (a *App) initAudio() {
	ac := a.cfg.Audio
	if a.mic == nil {
		a.mic = &portaudio.Microphone{}
	}
	if a.speaker == nil {
		a.speaker = &portaudio.Speaker{}
	}

	a.inputTap = audio.NewTap(ac.FFTSize)
	a.outputTap = audio.NewTap(ac.FFTSize)
	a.timeline = playback.NewTimeline(audio.OutputSampleRate, playback.WithTap(a.outputTap))
	a.scheduler = scheduler.New(a.timeline, scheduler.WithOnInterrupt(func(dropped int) {
		slog.Debug("playback interrupted", "dropped", dropped)
	}))

	a.controller = voice.New(a.connector, a.scheduler,
		voice.WithVoice(a.cfg.Gemini.Voice),
		voice.WithLocale(a.cfg.Gemini.Locale),
		voice.WithEndOfSpeechTimeout(a.cfg.Session.EndOfSpeechTimeout),
		voice.WithMetrics(a.metrics),
		voice.WithTranscriptObserver(func(lines []transcript.Line) {
			a.hub.Publish(server.Event{Type: server.EventTranscript, Data: lines})
		}),
		voice.WithOnEnded(func(err error) {
			a.machine.SessionEnded(err)
		}),
	)

	a.capture = capture.New(a.mic,
		capture.WithFrameSize(ac.CaptureBufferSize),
		capture.WithDeviceRate(ac.DeviceSampleRate),
		capture.WithTap(a.inputTap),
	)
	a.capture.Attach(a.controller)
	a.closers = append(a.closers, a.closeSpeaker, a.controller.Close, a.capture.Stop)
}

func (a *App) initConversation() {
	user := func() string { return identity.UserID(a.ident) }

	a.meter = credit.New(a.store, user,
		credit.WithInterval(a.cfg.Credits.PollInterval),
		credit.WithMetrics(a.metrics),
		credit.WithOnChange(func(bal int64) {
			a.machine.CreditsChanged(bal)
		}),
	)
	a.feedback = feedback.New(a.llm, a.store, feedback.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.feedback.Close)

	a.machine = ielts.New(ielts.Deps{
		Voice:    a.controller,
		Capture:  a.capture,
		Credits:  a.meter,
		CueCards: cuecard.New(a.llm, cuecard.WithMetrics(a.metrics)),
		Recorder: a.store,
		Feedback: a.feedback,
		User:     user,
	},
		ielts.WithPreparation(a.cfg.Session.Preparation),
		ielts.WithSpeaking(a.cfg.Session.Speaking),
		ielts.WithMetrics(a.metrics),
	)
}

func (a *App) initServer() {
	a.hub = server.NewHub()
	a.health = health.New([]health.Checker{
		{Name: "store", Check: a.store.Ping},
		{Name: "generation", Check: func(context.Context) error {
			if a.breaker.State() == resilience.Open {
				return resilience.ErrOpen
			}
			return nil
		}},
	})

	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(a.health),
		server.WithMetricsHandler(observe.MetricsHandler()),
		server.WithOriginPatterns(a.cfg.Server.OriginPatterns...),
		server.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
	}
	if t := a.cfg.Server.TLS; t != nil {
		opts = append(opts, server.WithTLS(t.CertFile, t.KeyFile))
	}
	a.server = server.New(server.Deps{
		Machine:  a.machine,
		History:  a.store,
		Credits:  a.meter,
		Identity: a.ident,
		Hub:      a.hub,
	}, opts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Machine returns the conversation machine.
func (a *App) Machine() *ielts.Machine { return a.machine }

// Handler returns the UI bridge handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run listens on the configured address and blocks until ctx is cancelled
// or a component fails.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs every long-lived component against ln until ctx is cancelled
// or one of them fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.speaker.Open(a.timeline.SampleRate(), a.cfg.Audio.OutputBufferSize, a.timeline.Render); err != nil {
		// Playback is lost but practice still records.
		slog.Error("could not open speaker", "err", err)
	} else {
		a.speakerOn.Store(true)
	}

	unsubscribe := a.ident.Subscribe(a.onIdentityChange)
	defer unsubscribe()
	if sess := a.ident.Current(); sess != nil {
		a.ensureUser(ctx, sess.UserID)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.machine.Run(ctx) })
	g.Go(func() error { return a.server.Serve(ctx, ln) })
	g.Go(func() error {
		a.publishLevels(ctx)
		return nil
	})
	return g.Wait()
}

func (a *App) onIdentityChange(sess *identity.Session) {
	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.ensureUser(ctx, sess.UserID)
		cancel()
		slog.Info("signed in", "user_id", sess.UserID, "provider", sess.Provider)
	} else {
		slog.Info("signed out")
	}
	a.machine.UserChanged()
}

func (a *App) ensureUser(ctx context.Context, userID string) {
	if err := a.store.EnsureUser(ctx, userID, a.cfg.Credits.InitialSeconds); err != nil {
		a.metrics.RecordStoreError(ctx, "ensure_user")
		slog.Warn("could not create credit account", "user_id", userID, "err", err)
	}
}

// publishLevels pushes analyser snapshots to UI clients while any are
// connected.
func (a *App) publishLevels(ctx context.Context) {
	in := analyser.New(a.inputTap,
		analyser.WithFFTSize(a.cfg.Audio.FFTSize),
		analyser.WithSmoothing(a.cfg.Audio.Smoothing),
	)
	out := analyser.New(a.outputTap,
		analyser.WithFFTSize(a.cfg.Audio.FFTSize),
		analyser.WithSmoothing(a.cfg.Audio.Smoothing),
	)

	ticker := time.NewTicker(a.cfg.Audio.LevelsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.hub.Clients() == 0 {
			continue
		}
		in.Update()
		out.Update()
		a.hub.Publish(server.Event{Type: server.EventLevels, Data: server.Levels{
			Input:  append([]byte(nil), in.Data()...),
			Output: append([]byte(nil), out.Data()...),
		}})
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)
		a.meter.Stop()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeSpeaker() error {
	if !a.speakerOn.CompareAndSwap(true, false) {
		return nil
	}
	return a.speaker.Close()
}
