// Package lobbyclient speaks the relay's signaling protocol from the host or
// client side.
package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

const writeWait = 10 * time.Second

// ErrLobbyNotFound is returned by Join when the relay has no such lobby.
var ErrLobbyNotFound = errors.New("lobby not found")

type options struct {
	dialer *websocket.Dialer
	header http.Header
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds headers (for example Origin) to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// Conn is one signaling connection. Send and Recv may be used from different
// goroutines; each must only be used by one goroutine at a time.
type Conn struct {
	ws       *websocket.Conn
	clientID int32
	writeMu  sync.Mutex
}

// DialHost opens a host connection and announces the lobby.
func DialHost(ctx context.Context, baseURL, hostUUID, desktopUUID string, opts ...Option) (*Conn, error) {
	c, err := dial(ctx, baseURL, "/lobby_ws", opts)
	if err != nil {
		return nil, err
	}
	announce := wire.SignalingMessage{
		ID:   wire.HostID,
		Data: wire.ServerAnnounce{HostUUID: hostUUID, DesktopUUID: desktopUUID},
	}
	if err := c.Send(ctx, announce); err != nil {
		_ = c.ws.Close()
		return nil, fmt.Errorf("announce lobby: %w", err)
	}
	return c, nil
}

// Join opens a client connection and waits for the relay to assign the
// client id.
func Join(ctx context.Context, baseURL, hostUUID, desktopUUID string, opts ...Option) (*Conn, error) {
	path := "/join/" + url.PathEscape(hostUUID) + "/" + url.PathEscape(desktopUUID)
	c, err := dial(ctx, baseURL, path, opts)
	if err != nil {
		return nil, err
	}

	msg, err := c.Recv(ctx)
	if err != nil {
		_ = c.ws.Close()
		return nil, fmt.Errorf("await client announce: %w", err)
	}
	announce, ok := msg.Data.(wire.ClientAnnounce)
	if !ok || msg.ID != wire.HostID {
		_ = c.ws.Close()
		return nil, fmt.Errorf("expected %s from relay, got %s", wire.KindClientAnnounce, msg.Data.Kind())
	}
	c.clientID = announce.ClientID
	return c, nil
}

func dial(ctx context.Context, baseURL, path string, opts []Option) (*Conn, error) {
	o := options{dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	wsURL, err := websocketURL(baseURL, path)
	if err != nil {
		return nil, err
	}

	ws, resp, err := o.dialer.DialContext(ctx, wsURL, o.header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrLobbyNotFound
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Conn{ws: ws}, nil
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", baseURL)
	}
	return u.String() + path, nil
}

// ClientID is the id assigned by the relay. It is zero for host connections.
func (c *Conn) ClientID() int32 { return c.clientID }

func (c *Conn) Send(ctx context.Context, msg wire.SignalingMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Recv returns the next envelope from the relay. When the relay closes the
// connection the error is a *websocket.CloseError carrying its close code.
func (c *Conn) Recv(ctx context.Context) (wire.SignalingMessage, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return wire.SignalingMessage{}, ctxErr
		}
		return wire.SignalingMessage{}, err
	}
	if msgType != websocket.TextMessage {
		return wire.SignalingMessage{}, fmt.Errorf("unexpected websocket message type %d", msgType)
	}
	return wire.Decode(data)
}

// SendRaw writes a frame without encoding it. It exists to exercise the
// relay's handling of malformed input.
func (c *Conn) SendRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// Close sends a normal close frame and releases the connection.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
