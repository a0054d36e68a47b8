package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobbyclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

const dataChannelLabel = "aero-lobby-probe"

var errICEFailed = errors.New("ice connection failed")

func encodeCandidate(c *webrtc.ICECandidate) (string, error) {
	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCandidate(raw string) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("parse ice candidate: %w", err)
	}
	return init, nil
}

// trickle holds remote candidates that arrive before the remote description.
// It is only used from the goroutine that reads the signaling connection.
type trickle struct {
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
}

func (t *trickle) add(c webrtc.ICECandidateInit) error {
	if t.pc == nil || t.pc.RemoteDescription() == nil {
		t.pending = append(t.pending, c)
		return nil
	}
	return t.pc.AddICECandidate(c)
}

func (t *trickle) remoteDescriptionSet(pc *webrtc.PeerConnection) error {
	t.pc = pc
	pending := t.pending
	t.pending = nil
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}
	return nil
}

// watchICE reports a failed ICE connection on failed.
func watchICE(pc *webrtc.PeerConnection, failed chan<- error) {
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			select {
			case failed <- errICEFailed:
			default:
			}
		}
	})
}

// answerer is the host side: it answers every client offer and echoes
// whatever arrives on the probe DataChannel.
type answerer struct {
	api    *webrtc.API
	config webrtc.Configuration
	conn   *lobbyclient.Conn
	log    *slog.Logger
	failed chan error

	candidatesSent atomic.Int32

	mu    sync.Mutex
	peers map[int32]*webrtc.PeerConnection
	// trickles is only touched by serve.
	trickles map[int32]*trickle
}

func newAnswerer(api *webrtc.API, config webrtc.Configuration, conn *lobbyclient.Conn, log *slog.Logger) *answerer {
	return &answerer{
		api:      api,
		config:   config,
		conn:     conn,
		log:      log,
		failed:   make(chan error, 1),
		peers:    make(map[int32]*webrtc.PeerConnection),
		trickles: make(map[int32]*trickle),
	}
}

func (a *answerer) serve(ctx context.Context) error {
	for {
		msg, err := a.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("host recv: %w", err)
		}
		switch d := msg.Data.(type) {
		case wire.Offer:
			if err := a.answer(ctx, msg.ID, d.SDP); err != nil {
				return err
			}
		case wire.IceCandidate:
			c, err := decodeCandidate(d.Candidate)
			if err != nil {
				return err
			}
			if err := a.trickleFor(msg.ID).add(c); err != nil {
				return fmt.Errorf("host: %w", err)
			}
		default:
			a.log.Debug("host ignoring message", "msg", msg)
		}
	}
}

func (a *answerer) trickleFor(id int32) *trickle {
	t, ok := a.trickles[id]
	if !ok {
		t = &trickle{}
		a.trickles[id] = t
	}
	return t
}

func (a *answerer) answer(ctx context.Context, clientID int32, sdp string) error {
	a.mu.Lock()
	_, dup := a.peers[clientID]
	a.mu.Unlock()
	if dup {
		return fmt.Errorf("host: second offer from client %d", clientID)
	}

	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return fmt.Errorf("host: new peer connection: %w", err)
	}
	a.mu.Lock()
	a.peers[clientID] = pc
	a.mu.Unlock()

	watchICE(pc, a.failed)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := encodeCandidate(c)
		if err != nil {
			a.log.Warn("encode ice candidate", "err", err)
			return
		}
		msg := wire.SignalingMessage{ID: clientID, Data: wire.IceCandidate{Candidate: raw}}
		if err := a.conn.Send(ctx, msg); err != nil {
			a.log.Debug("send ice candidate", "client_id", clientID, "err", err)
			return
		}
		a.candidatesSent.Add(1)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			var err error
			if m.IsString {
				err = dc.SendText(string(m.Data))
			} else {
				err = dc.Send(m.Data)
			}
			if err != nil {
				a.log.Warn("echo failed", "client_id", clientID, "err", err)
			}
		})
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("host: set remote description: %w", err)
	}
	if err := a.trickleFor(clientID).remoteDescriptionSet(pc); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("host: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("host: set local description: %w", err)
	}

	a.log.Debug("answering offer", "client_id", clientID)
	return a.conn.Send(ctx, wire.SignalingMessage{ID: clientID, Data: wire.Answer{SDP: answer.SDP}})
}

func (a *answerer) close() {
	a.mu.Lock()
	peers := a.peers
	a.peers = map[int32]*webrtc.PeerConnection{}
	a.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
}

// offerer is the client side: it opens the probe DataChannel, sends one
// payload once it opens and reports when the payload comes back.
type offerer struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	conn    *lobbyclient.Conn
	log     *slog.Logger
	payload string
	failed  chan error
	trickle trickle

	candidatesSent atomic.Int32

	opened chan time.Time
	echoed chan time.Time
}

func newOfferer(api *webrtc.API, config webrtc.Configuration, conn *lobbyclient.Conn, payload string, log *slog.Logger) (*offerer, error) {
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("client: new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("client: create data channel: %w", err)
	}
	return &offerer{
		pc:      pc,
		dc:      dc,
		conn:    conn,
		log:     log,
		payload: payload,
		failed:  make(chan error, 1),
		opened:  make(chan time.Time, 1),
		echoed:  make(chan time.Time, 1),
	}, nil
}

// start wires the callbacks and sends the offer to the host.
func (o *offerer) start(ctx context.Context) error {
	watchICE(o.pc, o.failed)
	o.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := encodeCandidate(c)
		if err != nil {
			o.log.Warn("encode ice candidate", "err", err)
			return
		}
		msg := wire.SignalingMessage{ID: wire.HostID, Data: wire.IceCandidate{Candidate: raw}}
		if err := o.conn.Send(ctx, msg); err != nil {
			o.log.Debug("send ice candidate", "err", err)
			return
		}
		o.candidatesSent.Add(1)
	})
	o.dc.OnOpen(func() {
		select {
		case o.opened <- time.Now():
		default:
		}
		if err := o.dc.SendText(o.payload); err != nil {
			o.log.Warn("send probe payload", "err", err)
		}
	})
	o.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if !m.IsString || string(m.Data) != o.payload {
			o.log.Warn("unexpected echo", "bytes", len(m.Data))
			return
		}
		select {
		case o.echoed <- time.Now():
		default:
		}
	})

	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("client: create offer: %w", err)
	}
	if err := o.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("client: set local description: %w", err)
	}
	return o.conn.Send(ctx, wire.SignalingMessage{ID: wire.HostID, Data: wire.Offer{SDP: offer.SDP}})
}

func (o *offerer) serve(ctx context.Context) error {
	for {
		msg, err := o.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("client recv: %w", err)
		}
		switch d := msg.Data.(type) {
		case wire.Answer:
			answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}
			if err := o.pc.SetRemoteDescription(answer); err != nil {
				return fmt.Errorf("client: set remote description: %w", err)
			}
			if err := o.trickle.remoteDescriptionSet(o.pc); err != nil {
				return fmt.Errorf("client: %w", err)
			}
		case wire.IceCandidate:
			c, err := decodeCandidate(d.Candidate)
			if err != nil {
				return err
			}
			o.trickle.pc = o.pc
			if err := o.trickle.add(c); err != nil {
				return fmt.Errorf("client: %w", err)
			}
		default:
			o.log.Debug("client ignoring message", "msg", msg)
		}
	}
}

func (o *offerer) close() {
	_ = o.pc.Close()
}
