package signaling

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	// ErrIdleTimeout is returned by a transport read when the peer stopped
	// answering keepalive pings.
	ErrIdleTimeout = errors.New("websocket idle timeout")
	// ErrInterrupted is returned by a transport read unblocked by Interrupt.
	ErrInterrupted = errors.New("websocket read interrupted")
	ErrRateLimited = errors.New("signaling rate limit exceeded")
)

// ProtocolError ends a connection whose peer broke the signaling protocol.
// Code is the WebSocket close code sent to the peer.
type ProtocolError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: websocket.ClosePolicyViolation, Reason: fmt.Sprintf(format, args...)}
}
