package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event types pushed to UI clients.
const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventLevels     = "levels"
	EventNotice     = "notice"
	EventIdentity   = "identity"
)

// Event is one message on the /ws stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Levels carries analyser snapshots for the two meters.
type Levels struct {
	Input  []byte `json:"input"`
	Output []byte `json:"output"`
}

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// Hub fans events out to connected clients. A client that cannot keep up
// loses events rather than stalling the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
	dropped int64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Publish delivers evt to every client without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of events dropped for slow clients.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) join() chan Event {
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) leave(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// handleWS streams events to one client until it disconnects. The client
// first receives the current state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events := s.hub.join()
	defer s.hub.leave(events)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if st, err := s.machine.State(ctx); err == nil {
		if err := writeEvent(ctx, conn, Event{Type: EventState, Data: st}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case evt := <-events:
			if err := writeEvent(ctx, conn, evt); err != nil {
				slog.Debug("server: websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
