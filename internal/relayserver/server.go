// Package relayserver is the reference relay: a dumb, untrusted fan-out
// daemon. It verifies event signatures and schedules delivery; it can read
// nothing inside the envelopes it carries and is never trusted for chain
// facts or group state.
package relayserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/logging"
)

// Server accepts websocket clients and fans verified events out to matching
// subscriptions.
type Server struct {
	backlog  Backlog
	log      *logging.Logger
	upgrader websocket.Upgrader
	meters   *meters

	mu        sync.Mutex
	clients   map[*client]struct{}
	seen      map[string]struct{}
	seenOrder []string
}

// seenCap bounds the duplicate-suppression window; the backlog cap bounds
// replay, this bounds memory.
const seenCap = 16384

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRegisterer attaches relay metrics to the registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.meters = newMeters(reg) }
}

// New creates a relay server over the given backlog.
func New(backlog Backlog, opts ...Option) *Server {
	s := &Server{
		backlog: backlog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is open infrastructure; origin checks add nothing
			// against clients that do not run in browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.New(nil).WithComponent("relay")
	}
	if s.meters == nil {
		s.meters = newMeters(nil)
	}
	return s
}

// Router returns the HTTP routes: /ws for clients, /health for probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(s, ws)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.meters.clients.Inc()
	s.log.Info("client connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump(r.Context())
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.meters.clients.Dec()
}

// ingest validates and distributes one inbound event, returning the
// rejection reason for the OK frame when the event is refused.
func (s *Server) ingest(ctx context.Context, ev *event.Event) (accepted bool, reason string) {
	if err := ev.Verify(); err != nil {
		s.meters.rejected.Inc()
		return false, "invalid: signature verification failed"
	}

	s.mu.Lock()
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		// Duplicates are acknowledged but not re-distributed; clients
		// publish to several relays and echoes are routine.
		return true, "duplicate"
	}
	s.seen[ev.ID] = struct{}{}
	s.seenOrder = append(s.seenOrder, ev.ID)
	if len(s.seenOrder) > seenCap {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if err := s.backlog.Append(ctx, ev); err != nil {
		s.log.Warn("backlog append failed", "event_id", ev.ID, "error", err)
	}
	s.meters.accepted.Inc()

	for _, c := range targets {
		c.deliver(ev)
	}
	return true, ""
}
