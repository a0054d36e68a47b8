package signaling

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

const wsWriteWait = 10 * time.Second

// Transport carries signaling envelopes for one connection.
type Transport interface {
	// ReadMessage returns the next envelope. A peer that closed the stream
	// yields io.EOF. Malformed input yields a *ProtocolError.
	ReadMessage(ctx context.Context) (wire.SignalingMessage, error)
	WriteMessage(ctx context.Context, msg wire.SignalingMessage) error
	// Interrupt unblocks a pending ReadMessage, which then returns
	// ErrInterrupted. Subsequent reads fail immediately.
	Interrupt()
	// Close sends a close frame with code and reason and releases the
	// connection. Only the first call has an effect.
	Close(code int, reason string) error
}

type TransportConfig struct {
	MaxMessageBytes   int64
	MessagesPerSecond int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
}

type wsTransport struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	idle    time.Duration

	deadlineMu  sync.Mutex
	interrupted bool

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg TransportConfig) *wsTransport {
	t := &wsTransport{
		conn: conn,
		idle: cfg.IdleTimeout,
		done: make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	if t.idle > 0 {
		t.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			t.extendReadDeadline()
			return nil
		})
	}
	if cfg.PingInterval > 0 {
		go t.pingLoop(cfg.PingInterval)
	}
	return t
}

func (t *wsTransport) extendReadDeadline() {
	if t.idle <= 0 {
		return
	}
	t.deadlineMu.Lock()
	defer t.deadlineMu.Unlock()
	if t.interrupted {
		return
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) ReadMessage(ctx context.Context) (wire.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return wire.SignalingMessage{}, err
	}

	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return wire.SignalingMessage{}, t.readError(err)
	}
	t.extendReadDeadline()

	// Rate limit after the read so bytes already in the TCP buffer are
	// consumed; closing with unread data can turn into an RST and the peer
	// never sees the close reason.
	if t.limiter != nil && !t.limiter.Allow() {
		return wire.SignalingMessage{}, &ProtocolError{Code: websocket.ClosePolicyViolation, Reason: "rate limit exceeded", Err: ErrRateLimited}
	}
	if msgType != websocket.TextMessage {
		return wire.SignalingMessage{}, &ProtocolError{Code: websocket.CloseUnsupportedData, Reason: "expected text message"}
	}

	msg, err := wire.Decode(data)
	if err != nil {
		return wire.SignalingMessage{}, &ProtocolError{Code: websocket.ClosePolicyViolation, Reason: "bad message", Err: err}
	}
	return msg, nil
}

func (t *wsTransport) readError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return io.EOF
	case errors.Is(err, websocket.ErrReadLimit):
		return &ProtocolError{Code: websocket.CloseMessageTooBig, Reason: "message too large", Err: err}
	case isTimeout(err):
		t.deadlineMu.Lock()
		interrupted := t.interrupted
		t.deadlineMu.Unlock()
		if interrupted {
			return ErrInterrupted
		}
		return ErrIdleTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return io.EOF
	}
	return err
}

func (t *wsTransport) WriteMessage(ctx context.Context, msg wire.SignalingMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Interrupt() {
	t.deadlineMu.Lock()
	defer t.deadlineMu.Unlock()
	t.interrupted = true
	_ = t.conn.SetReadDeadline(time.Now())
}

func (t *wsTransport) Close(code int, reason string) error {
	err := net.ErrClosed
	t.closeOnce.Do(func() {
		close(t.done)
		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
