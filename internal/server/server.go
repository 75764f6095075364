// Package server is the UI bridge: a JSON HTTP API for candidate actions
// and a WebSocket stream of state, transcript, level and notice events.
//
// Every route runs behind [observe.Middleware]. Candidate actions are
// forwarded to the conversation machine; failures of remote services never
// surface as 5xx responses but as state changes and notices on the stream.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/health"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/identity"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/ielts"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/store"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/transcript"
)

// ── Dependencies ─────────────────────────────────────────────────────────────

// Machine is the conversation state machine. [ielts.Machine] implements it.
type Machine interface {
	State(ctx context.Context) (ielts.State, error)
	SelectPart(ctx context.Context, part ielts.Part) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Subscribe() (<-chan ielts.State, func())
}

// History reads past sessions. [store.Store] implements it.
type History interface {
	Sessions(ctx context.Context, userID string, limit int) ([]store.Session, error)
	Lines(ctx context.Context, sessionID string) ([]transcript.Line, error)
	Feedback(ctx context.Context, sessionID string) (store.Feedback, error)
}

// Credits reads the signed-in user's balance. [credit.Meter] implements it.
type Credits interface {
	Refresh(ctx context.Context) (int64, error)
}

// Completer finishes a redirect-based sign-in. [identity.OAuth]
// implements it.
type Completer interface {
	Complete(ctx context.Context, state, code string) (*identity.Session, error)
}

// Deps groups the server's collaborators.
type Deps struct {
	Machine  Machine
	History  History
	Credits  Credits
	Identity identity.Provider
	Hub      *Hub
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink for the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin WebSocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithTLS serves HTTPS with the given certificate files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// ── Server ───────────────────────────────────────────────────────────────────

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// Server serves the UI bridge.
type Server struct {
	machine  Machine
	history  History
	credits  Credits
	identity identity.Provider
	hub      *Hub

	metrics         *observe.Metrics
	health          *health.Handler
	metricsHandler  http.Handler
	originPatterns  []string
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Server. Call [Server.Handler] to embed it or
// [Server.Serve] to run it.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		machine:         deps.Machine,
		history:         deps.History,
		credits:         deps.Credits,
		identity:        deps.Identity,
		hub:             deps.Hub,
		shutdownTimeout: 10 * time.Second,
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/part", s.handleSelectPart)
	mux.HandleFunc("POST /api/recording/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/recording/stop", s.handleStopRecording)
	mux.HandleFunc("GET /api/credits", s.handleCredits)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/me", s.handleMe)

	mux.HandleFunc("POST /auth/signin", s.handleSignIn)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("POST /auth/signout", s.handleSignOut)

	mux.HandleFunc("GET /ws", s.handleWS)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return observe.Middleware(s.metrics)(mux)
}

// Serve accepts connections on ln until ctx is done, forwarding machine
// and identity changes to WebSocket clients meanwhile.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	if s.certFile != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go s.forwardState(forwardCtx)
	unsubscribe := s.identity.Subscribe(func(sess *identity.Session) {
		s.hub.Publish(Event{Type: EventIdentity, Data: sess})
	})
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("server: listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// close ends WebSocket streams, which http.Server.Shutdown does not track.
func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) forwardState(ctx context.Context) {
	states, cancel := s.machine.Subscribe()
	defer cancel()
	var lastNotice string
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			s.hub.Publish(Event{Type: EventState, Data: st})
			if st.Notice != "" && st.Notice != lastNotice {
				s.hub.Publish(Event{Type: EventNotice, Data: st.Notice})
			}
			lastNotice = st.Notice
		}
	}
}

// ── Conversation ─────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondState(w, r)
}

func (s *Server) handleSelectPart(w http.ResponseWriter, r *http.Request) {
	var req SelectPartRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.machine.SelectPart(r.Context(), ielts.Part(req.Part)); err != nil {
		s.actionError(w, err)
		return
	}
	s.respondState(w, r)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if identity.UserID(s.identity) == "" {
		writeError(w, http.StatusUnauthorized, errors.New("sign in to start practising"))
		return
	}
	if err := s.machine.StartRecording(r.Context()); err != nil {
		s.actionError(w, err)
		return
	}
	s.respondState(w, r)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.StopRecording(r.Context()); err != nil {
		s.actionError(w, err)
		return
	}
	s.respondState(w, r)
}

func (s *Server) respondState(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.State(r.Context())
	if err != nil {
		s.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) actionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ielts.ErrPart2Required),
		errors.Is(err, ielts.ErrRecording),
		errors.Is(err, ielts.ErrNotReady):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ielts.ErrInvalidPart):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, ielts.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		slog.Error("server: unexpected action error", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// ── Account data ─────────────────────────────────────────────────────────────

// CreditsResponse is the body of GET /api/credits.
type CreditsResponse struct {
	Seconds int64 `json:"seconds"`
}

// SessionDetail is the body of GET /api/sessions/{id}.
type SessionDetail struct {
	Session  store.Session     `json:"session"`
	Lines    []transcript.Line `json:"lines"`
	Feedback *store.Feedback   `json:"feedback,omitempty"`
}

func (s *Server) requireUser(w http.ResponseWriter) (string, bool) {
	user := identity.UserID(s.identity)
	if user == "" {
		writeError(w, http.StatusUnauthorized, errors.New("not signed in"))
		return "", false
	}
	return user, true
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w); !ok {
		return
	}
	bal, err := s.credits.Refresh(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("server: credit refresh failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("credits unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{Seconds: bal})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w)
	if !ok {
		return
	}
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSessionLimit {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxSessionLimit))
			return
		}
		limit = n
	}
	sessions, err := s.history.Sessions(r.Context(), user, limit)
	if err != nil {
		s.metrics.RecordStoreError(r.Context(), "sessions")
		observe.Logger(r.Context()).Warn("server: list sessions", "err", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	sessions, err := s.history.Sessions(ctx, user, 0)
	if err != nil {
		s.metrics.RecordStoreError(ctx, "sessions")
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	i := slices.IndexFunc(sessions, func(sess store.Session) bool { return sess.ID == id })
	if i < 0 {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	lines, err := s.history.Lines(ctx, id)
	if err != nil {
		s.metrics.RecordStoreError(ctx, "lines")
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	detail := SessionDetail{Session: sessions[i], Lines: lines}
	fb, err := s.history.Feedback(ctx, id)
	switch {
	case err == nil:
		detail.Feedback = &fb
	case errors.Is(err, store.ErrNotFound):
	default:
		observe.Logger(ctx).Warn("server: load feedback", "session_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	sess := s.identity.Current()
	if sess == nil {
		writeError(w, http.StatusUnauthorized, errors.New("not signed in"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ── Auth ─────────────────────────────────────────────────────────────────────

// SignInResponse is the body of POST /auth/signin. RedirectURL is empty
// when sign-in completed immediately.
type SignInResponse struct {
	RedirectURL string `json:"redirect_url,omitempty"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = "google"
	}
	url, err := s.identity.SignIn(r.Context(), req.Provider)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		observe.Logger(r.Context()).Warn("server: sign in", "provider", req.Provider, "err", err)
		writeError(w, http.StatusBadGateway, errors.New("sign-in unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, SignInResponse{RedirectURL: url})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	completer, ok := s.identity.(Completer)
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sign-in declined: %s", e))
		return
	}
	if _, err := completer.Complete(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		if errors.Is(err, identity.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		observe.Logger(r.Context()).Warn("server: complete sign in", "err", err)
		writeError(w, http.StatusBadGateway, errors.New("sign-in failed"))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.identity.SignOut(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("server: sign out", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("sign-out failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
