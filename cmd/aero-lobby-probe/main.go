// Command aero-lobby-probe checks a running lobby relay end to end. It
// announces a lobby, joins it, negotiates a WebRTC DataChannel through the
// relay and echoes one message, then prints a JSON report.
//
// Exit status is 0 on success, 1 when the probe fails and 2 on usage errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobbyclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/probe"
)

type options struct {
	url         string
	hostUUID    string
	desktopUUID string
	origin      string
	timeout     time.Duration
	logLevel    slog.Level
}

type output struct {
	OK          bool   `json:"ok"`
	URL         string `json:"url"`
	HostUUID    string `json:"host_uuid"`
	DesktopUUID string `json:"desktop_uuid"`
	ClientID    int32  `json:"client_id,omitempty"`

	CandidatesFromHost   int `json:"candidates_from_host"`
	CandidatesFromClient int `json:"candidates_from_client"`

	SignalingMS float64 `json:"signaling_ms,omitempty"`
	ConnectedMS float64 `json:"connected_ms,omitempty"`
	EchoRTTMS   float64 `json:"echo_rtt_ms,omitempty"`

	Error string `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	opts := options{}
	flags := flag.NewFlagSet("aero-lobby-probe", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.url, "url", "http://127.0.0.1:3000", "Relay base URL (http, https, ws or wss)")
	flags.StringVar(&opts.hostUUID, "host-uuid", "", "Host UUID of the probe lobby (random when empty)")
	flags.StringVar(&opts.desktopUUID, "desktop-uuid", "", "Desktop UUID of the probe lobby (random when empty)")
	flags.StringVar(&opts.origin, "origin", "", "Origin header sent on both signaling connections")
	flags.DurationVar(&opts.timeout, "timeout", probe.DefaultTimeout, "Overall probe deadline")
	flags.TextVar(&opts.logLevel, "log-level", slog.LevelWarn, "Log level written to stderr (debug, info, warn, error)")

	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if flags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("--timeout must be > 0")
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(stderr, err)
		return 2
	}
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	iceServers, err := config.LoadICEServers()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: opts.logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := probe.Config{
		BaseURL:     opts.url,
		HostUUID:    opts.hostUUID,
		DesktopUUID: opts.desktopUUID,
		ICEServers:  iceServers,
		Timeout:     opts.timeout,
		Logger:      logger,
	}
	if opts.origin != "" {
		cfg.Dial = append(cfg.Dial, lobbyclient.WithHeader(http.Header{"Origin": {opts.origin}}))
	}

	rep, err := probe.Run(ctx, cfg)
	out := newOutput(opts.url, rep, err)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		fmt.Fprintln(stderr, encErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

func newOutput(url string, rep probe.Report, err error) output {
	out := output{
		OK:                   err == nil,
		URL:                  url,
		HostUUID:             rep.HostUUID,
		DesktopUUID:          rep.DesktopUUID,
		ClientID:             rep.ClientID,
		CandidatesFromHost:   rep.CandidatesFromHost,
		CandidatesFromClient: rep.CandidatesFromClient,
		SignalingMS:          millis(rep.Signaling),
		ConnectedMS:          millis(rep.Connected),
		EchoRTTMS:            millis(rep.EchoRTT),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
