package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/duplex"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		s.refuse(w, r)
		return
	}
	defer s.handlers.Done()

	key := lobby.NewKey(r.PathValue("host_uuid"), r.PathValue("desktop_uuid"))

	// The client slot is taken before the upgrade so a missing lobby is a
	// plain 404 rather than a WebSocket that closes immediately.
	l, ok := s.registry.Lookup(key)
	if !ok {
		s.lobbyNotFound(w)
		return
	}
	clientCh, clientRx := fanout.New(s.fanoutCap)
	defer clientRx.Close()

	id, guard, err := s.registry.AddClient(l, clientCh)
	switch {
	case errors.Is(err, lobby.ErrLobbyClosed):
		s.lobbyNotFound(w)
		return
	case err != nil:
		http.Error(w, "lobby full", http.StatusServiceUnavailable)
		return
	}
	defer guard.Release()

	t, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.untrack(t)

	log := s.connLogger(r, metrics.RoleClient).With("lobby", key.String(), "client_id", id)
	s.metrics.Inc(metrics.EventClientJoined)
	done := s.metrics.ConnectionOpened(metrics.RoleClient)
	log.Info("client joined")

	err = s.serveClient(r.Context(), t, l, id, clientRx, log)
	done(s.finish(t, err, log))
}

func (s *Server) lobbyNotFound(w http.ResponseWriter) {
	s.metrics.Inc(metrics.EventJoinNotFound)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "Lobby not found")
}

// serveClient announces the client's id and relays until either side ends.
// Every client message must be addressed to the host.
func (s *Server) serveClient(ctx context.Context, t Transport, l *lobby.Lobby, id int32, rx *fanout.Receiver, log *slog.Logger) error {
	announce := wire.SignalingMessage{ID: wire.HostID, Data: wire.ClientAnnounce{ClientID: id}}
	if err := t.WriteMessage(ctx, announce); err != nil {
		return fmt.Errorf("announce client id: %w", err)
	}

	hostCh := l.HostChannel()
	res := duplex.Run(ctx, duplex.Pump{
		Outbound: func(ctx context.Context) error {
			return s.forward(ctx, rx, t, log)
		},
		Inbound: func(ctx context.Context) error {
			for {
				msg, err := t.ReadMessage(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if msg.ID != wire.HostID {
					return protocolError("client messages must be addressed to %d, got %d", wire.HostID, msg.ID)
				}
				if err := hostCh.Send(wire.RelayEnvelope{SenderID: id, Message: msg}); err != nil {
					s.metrics.Inc(metrics.EventDestinationGone)
					return fmt.Errorf("%w: %w", lobby.ErrLobbyClosed, err)
				}
				s.metrics.Inc(metrics.EventMessageRelayed)
				log.Debug("client message relayed", "msg", msg)
			}
		},
		Interrupt: t.Interrupt,
	})
	return res.Err
}
