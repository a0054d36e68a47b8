// Package probe checks a running relay end to end: it announces a throwaway
// lobby, joins it, negotiates a WebRTC DataChannel through the relay and
// echoes one message across it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobbyclient"
)

const (
	DefaultTimeout = 30 * time.Second

	joinRetryInterval = 25 * time.Millisecond
)

var errEchoed = errors.New("probe: echo received")

type Config struct {
	// BaseURL is the relay's http(s) or ws(s) base URL.
	BaseURL string
	// HostUUID and DesktopUUID name the lobby. Random when empty.
	HostUUID    string
	DesktopUUID string

	// API builds both peer connections. Defaults to NewAPI with pion logs
	// routed to Logger.
	API *webrtc.API
	// ClientAPI, when set, builds the client peer instead of API, e.g. to put
	// it on a different network than the host.
	ClientAPI  *webrtc.API
	ICEServers []webrtc.ICEServer

	Timeout time.Duration
	Logger  *slog.Logger
	// Dial options for both signaling connections, e.g. an Origin header.
	Dial []lobbyclient.Option
}

// Report describes a successful probe.
type Report struct {
	HostUUID    string
	DesktopUUID string
	ClientID    int32

	// CandidatesFromHost and CandidatesFromClient count the trickled ICE
	// candidates each side pushed through the relay.
	CandidatesFromHost   int
	CandidatesFromClient int

	// Signaling is the time to announce the lobby and join it.
	Signaling time.Duration
	// Connected is the time from start until the DataChannel opened.
	Connected time.Duration
	// EchoRTT is the round trip of the probe payload over the DataChannel.
	EchoRTT time.Duration
}

// NewAPI returns a pion API that logs through lf. A nil lf keeps pion's
// default logger.
func NewAPI(lf logging.LoggerFactory) *webrtc.API {
	var se webrtc.SettingEngine
	if lf != nil {
		se.LoggerFactory = lf
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c Config) withDefaults() Config {
	if c.HostUUID == "" {
		c.HostUUID = uuid.NewString()
	}
	if c.DesktopUUID == "" {
		c.DesktopUUID = uuid.NewString()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.API == nil {
		c.API = NewAPI(SlogLoggerFactory{Logger: c.Logger})
	}
	if c.ClientAPI == nil {
		c.ClientAPI = c.API
	}
	return c
}

// Run performs one probe. Every resource it opens is released before it
// returns.
func Run(ctx context.Context, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	log := cfg.Logger.With("lobby", cfg.HostUUID+"/"+cfg.DesktopUUID)
	rep := Report{HostUUID: cfg.HostUUID, DesktopUUID: cfg.DesktopUUID}
	start := time.Now()

	host, err := lobbyclient.DialHost(ctx, cfg.BaseURL, cfg.HostUUID, cfg.DesktopUUID, cfg.Dial...)
	if err != nil {
		return rep, fmt.Errorf("probe: dial host: %w", err)
	}
	defer host.Close()

	client, err := joinWhenAnnounced(ctx, cfg)
	if err != nil {
		return rep, fmt.Errorf("probe: join: %w", err)
	}
	defer client.Close()
	rep.ClientID = client.ClientID()
	rep.Signaling = time.Since(start)
	log.Debug("lobby joined", "client_id", rep.ClientID, "elapsed", rep.Signaling)

	rtcConfig := webrtc.Configuration{ICEServers: cfg.ICEServers}
	ans := newAnswerer(cfg.API, rtcConfig, host, log.With("role", "host"))
	defer ans.close()

	payload := "aero-lobby-probe " + uuid.NewString()
	off, err := newOfferer(cfg.ClientAPI, rtcConfig, client, payload, log.With("role", "client"))
	if err != nil {
		return rep, fmt.Errorf("probe: %w", err)
	}
	defer off.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ans.serve(gctx) })
	g.Go(func() error { return off.serve(gctx) })
	g.Go(func() error {
		if err := off.start(gctx); err != nil {
			return err
		}

		var opened time.Time
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case err := <-ans.failed:
				return fmt.Errorf("host: %w", err)
			case err := <-off.failed:
				return fmt.Errorf("client: %w", err)
			case opened = <-off.opened:
				rep.Connected = opened.Sub(start)
				log.Debug("data channel open", "elapsed", rep.Connected)
			case echoed := <-off.echoed:
				// OnOpen always fires before the first OnMessage.
				if opened.IsZero() {
					opened = <-off.opened
					rep.Connected = opened.Sub(start)
				}
				rep.EchoRTT = echoed.Sub(opened)
				return errEchoed
			}
		}
	})

	err = g.Wait()
	rep.CandidatesFromHost = int(ans.candidatesSent.Load())
	rep.CandidatesFromClient = int(off.candidatesSent.Load())
	if !errors.Is(err, errEchoed) {
		return rep, fmt.Errorf("probe: %w", err)
	}
	log.Info("probe succeeded",
		"client_id", rep.ClientID,
		"connected", rep.Connected,
		"echo_rtt", rep.EchoRTT,
		"host_candidates", rep.CandidatesFromHost,
		"client_candidates", rep.CandidatesFromClient,
	)
	return rep, nil
}

// joinWhenAnnounced retries Join until the relay has registered the host's
// announce; registration completes asynchronously after the frame is sent.
func joinWhenAnnounced(ctx context.Context, cfg Config) (*lobbyclient.Conn, error) {
	for {
		conn, err := lobbyclient.Join(ctx, cfg.BaseURL, cfg.HostUUID, cfg.DesktopUUID, cfg.Dial...)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, lobbyclient.ErrLobbyNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(joinRetryInterval):
		}
	}
}
