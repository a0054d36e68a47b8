package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
)

// forward drains rx into t. Each envelope is written with its id replaced by
// the sender's id. A closed channel means the lobby went away.
func (s *Server) forward(ctx context.Context, rx *fanout.Receiver, t Transport, log *slog.Logger) error {
	for {
		env, err := rx.Recv(ctx)
		var lagged *fanout.LaggedError
		switch {
		case errors.As(err, &lagged):
			s.metrics.Add(metrics.EventReceiverLagged, lagged.Missed)
			log.Warn("dropped envelopes for slow connection", "missed", lagged.Missed)
			continue
		case errors.Is(err, fanout.ErrClosed):
			return lobby.ErrLobbyClosed
		case err != nil:
			return err
		}

		msg := env.Readdress()
		log.Debug("delivering message", "msg", msg)
		if err := t.WriteMessage(ctx, msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}
}
