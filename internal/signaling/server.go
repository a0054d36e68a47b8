package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/duplex"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry holds the announced lobbies. If nil, a registry with the
	// default duplicate policy is created.
	Registry *lobby.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// CheckOrigin is passed to the WebSocket upgrader. If nil every origin is
	// accepted.
	CheckOrigin func(r *http.Request) bool

	// FanoutCapacity is the number of pending envelopes kept per connection.
	FanoutCapacity int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// Keepalive: the relay pings every SignalingWSPingInterval and drops the
	// connection when nothing arrives for SignalingWSIdleTimeout.
	SignalingWSPingInterval time.Duration
	SignalingWSIdleTimeout  time.Duration
}

// Server implements the relay's WebSocket surface.
//
// Endpoints:
//   - GET /                                  : plain-text liveness check
//   - GET /lobby_ws                          : host connection
//   - GET /join/{host_uuid}/{desktop_uuid}   : client connection
type Server struct {
	registry *lobby.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	fanoutCap int
	transport TransportConfig

	mu     sync.Mutex
	conns  map[Transport]struct{}
	closed bool
	// handlers counts running host and join handlers. Add only happens under
	// mu while closed is false.
	handlers sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	registry := cfg.Registry
	if registry == nil {
		registry = lobby.NewRegistry(lobby.Options{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		registry:  registry,
		metrics:   cfg.Metrics,
		log:       logger,
		fanoutCap: cfg.FanoutCapacity,
		transport: TransportConfig{
			MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
			MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
			PingInterval:      cfg.SignalingWSPingInterval,
			IdleTimeout:       cfg.SignalingWSIdleTimeout,
		},
		conns: make(map[Transport]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin(r) {
				return true
			}
			s.metrics.Inc(metrics.EventOriginRejected)
			return false
		},
	}
	if s.fanoutCap <= 0 {
		s.fanoutCap = fanout.DefaultCapacity
	}
	if s.transport.MaxMessageBytes <= 0 {
		s.transport.MaxMessageBytes = 64 * 1024
	}
	if s.transport.MessagesPerSecond <= 0 {
		s.transport.MessagesPerSecond = 50
	}
	return s
}

func (s *Server) Registry() *lobby.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /lobby_ws", s.handleLobbyWS)
	mux.HandleFunc("GET /join/{host_uuid}/{desktop_uuid}", s.handleJoin)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close ends every open connection with a going-away close frame. New
// upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]Transport, 0, len(s.conns))
	for t := range s.conns {
		conns = append(conns, t)
	}
	s.conns = nil
	s.closed = true
	s.mu.Unlock()

	for _, t := range conns {
		_ = t.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Wait blocks until every connection handler has returned, and with them
// every lobby and client guard they held. Call it after Close.
func (s *Server) Wait() {
	s.handlers.Wait()
}

func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.handlers.Add(1)
	return true
}

// refuse completes the upgrade only to send a going-away close frame.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Inc(metrics.EventUpgradeFailed)
		return
	}
	_ = newWSTransport(conn, s.transport).Close(websocket.CloseGoingAway, "server shutting down")
}

func (s *Server) track(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[t] = struct{}{}
	return true
}

func (s *Server) untrack(t Transport) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, t)
	}
	s.mu.Unlock()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello, world!\n")
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*wsTransport, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Inc(metrics.EventUpgradeFailed)
		return nil, false
	}
	t := newWSTransport(conn, s.transport)
	if !s.track(t) {
		_ = t.Close(websocket.CloseGoingAway, "server shutting down")
		return nil, false
	}
	return t, true
}

func (s *Server) connLogger(r *http.Request, role string) *slog.Logger {
	return s.log.With(
		"conn_id", uuid.NewString(),
		"role", role,
		"remote", r.RemoteAddr,
	)
}

// finish closes t with a close frame matching err, logs the outcome once and
// returns it as a metrics label.
func (s *Server) finish(t Transport, err error, log *slog.Logger) string {
	code, reason, outcome := closeFor(err)
	switch outcome {
	case "clean", "lobby_closed":
		log.Info("connection closed", "outcome", outcome)
	case "protocol_error":
		s.metrics.Inc(metrics.EventProtocolError)
		if errors.Is(err, ErrRateLimited) {
			s.metrics.Inc(metrics.EventRateLimited)
		}
		log.Warn("connection closed", "outcome", outcome, "err", err)
	case "idle_timeout":
		s.metrics.Inc(metrics.EventIdleTimeout)
		log.Info("connection closed", "outcome", outcome)
	case "panic":
		s.metrics.Inc(metrics.EventPanicRecovered)
		var pe *duplex.PanicError
		if errors.As(err, &pe) {
			log.Error("connection handler panicked", "panic", pe.Value, "stack", string(pe.Stack))
		}
	default:
		log.Warn("connection closed", "outcome", outcome, "err", err)
	}
	_ = t.Close(code, reason)
	return outcome
}

func closeFor(err error) (code int, reason, outcome string) {
	var (
		protoErr *ProtocolError
		panicErr *duplex.PanicError
	)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, ErrInterrupted):
		return websocket.CloseNormalClosure, "", "clean"
	case errors.Is(err, lobby.ErrLobbyClosed):
		return websocket.CloseNormalClosure, "lobby closed", "lobby_closed"
	case errors.As(err, &protoErr):
		return protoErr.Code, protoErr.Reason, "protocol_error"
	case errors.Is(err, ErrIdleTimeout):
		return websocket.CloseNormalClosure, "idle timeout", "idle_timeout"
	case errors.As(err, &panicErr):
		return websocket.CloseInternalServerErr, "internal error", "panic"
	default:
		return websocket.CloseInternalServerErr, "internal error", "error"
	}
}
