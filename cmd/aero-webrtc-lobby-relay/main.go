package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-lobby-relay",
		"listen_addr", cfg.ListenAddr(),
		"mode", cfg.Mode,
		"duplicate_lobby_policy", cfg.DuplicateLobbyPolicy,
		"fanout_capacity", cfg.FanoutCapacity,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"log_file", cfg.LogFile,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	registry := lobby.NewRegistry(lobby.Options{Duplicate: cfg.DuplicateLobbyPolicy})
	m := metrics.New()
	m.RegisterLobbyStats(registry.Stats)

	srv := httpserver.New(cfg.ListenAddr(), logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Stats:   registry.Stats,
		Metrics: m,
	})

	sig := signaling.NewServer(signaling.Config{
		Registry:                      registry,
		Metrics:                       m,
		Logger:                        logger,
		CheckOrigin:                   origin.Policy{AllowedOrigins: cfg.AllowedOrigins}.CheckOrigin,
		FanoutCapacity:                cfg.FanoutCapacity,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// WebSockets are hijacked and outlive Shutdown; close them explicitly, then
	// wait for the handlers and the registry's deferred cleanup to drain.
	sig.Close()
	waitDrained(shutdownCtx, sig, registry, logger)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	lobbies, clients := registry.Stats()
	logger.Info("shutdown complete", "lobbies", lobbies, "clients", clients)
	return 0
}

func waitDrained(ctx context.Context, sig *signaling.Server, registry *lobby.Registry, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		// Handlers release their guards before returning, so every cleanup
		// task has been spawned once sig.Wait returns.
		sig.Wait()
		registry.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("connection cleanup did not finish before shutdown timeout")
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
