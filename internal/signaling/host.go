package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/duplex"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

func (s *Server) handleLobbyWS(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		s.refuse(w, r)
		return
	}
	defer s.handlers.Done()

	t, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.untrack(t)

	log := s.connLogger(r, metrics.RoleHost)
	s.metrics.Inc(metrics.EventHostConnected)
	done := s.metrics.ConnectionOpened(metrics.RoleHost)

	err := s.serveHost(r.Context(), t, log)
	done(s.finish(t, err, log))
}

// serveHost runs a host connection: wait for ServerAnnounce, register the
// lobby, then relay until either side of the connection ends. The lobby is
// unregistered when serveHost returns.
func (s *Server) serveHost(ctx context.Context, t Transport, log *slog.Logger) error {
	first, err := t.ReadMessage(ctx)
	if errors.Is(err, io.EOF) {
		log.Info("host disconnected before announcing a lobby")
		return nil
	}
	if err != nil {
		return err
	}

	announce, ok := first.Data.(wire.ServerAnnounce)
	if !ok {
		return protocolError("expected %s as first message, got %s", wire.KindServerAnnounce, first.Data.Kind())
	}
	key := lobby.NewKey(announce.HostUUID, announce.DesktopUUID)
	log = log.With("lobby", key.String())

	hostCh, hostRx := fanout.New(s.fanoutCap)
	defer hostRx.Close()

	guard, err := s.registry.RegisterLobby(key, hostCh)
	if errors.Is(err, lobby.ErrLobbyExists) {
		s.metrics.Inc(metrics.EventLobbyRejected)
		return &ProtocolError{Code: websocket.ClosePolicyViolation, Reason: "lobby already announced", Err: err}
	}
	if err != nil {
		return err
	}
	defer guard.Release()

	s.metrics.Inc(metrics.EventLobbyAnnounced)
	if guard.Replaced() {
		s.metrics.Inc(metrics.EventLobbyReplaced)
		log.Warn("lobby announce replaced an existing host")
	}
	log.Info("lobby announced")

	l := guard.Lobby()
	res := duplex.Run(ctx, duplex.Pump{
		Outbound: func(ctx context.Context) error {
			return s.forward(ctx, hostRx, t, log)
		},
		Inbound: func(ctx context.Context) error {
			return s.routeFromHost(ctx, t, l, log)
		},
		Interrupt: t.Interrupt,
	})
	return res.Err
}

// routeFromHost reads host messages and hands each one to the client named by
// its id. Unknown ids and clients that are going away are skipped.
func (s *Server) routeFromHost(ctx context.Context, t Transport, l *lobby.Lobby, log *slog.Logger) error {
	for {
		msg, err := t.ReadMessage(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		delivered, err := l.Route(msg.ID, wire.RelayEnvelope{SenderID: wire.HostID, Message: msg})
		switch {
		case err != nil:
			s.metrics.Inc(metrics.EventDestinationGone)
			log.Debug("client went away, message dropped", "msg", msg, "err", err)
		case !delivered:
			s.metrics.Inc(metrics.EventRoutingMiss)
			log.Debug("no such client, message dropped", "msg", msg)
		default:
			s.metrics.Inc(metrics.EventMessageRelayed)
			log.Debug("host message relayed", "msg", msg)
		}
	}
}
