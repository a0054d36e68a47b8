package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
)

const (
	largeSignalingMessageBytes  = 1 << 20 // 1MiB
	highSignalingMessagesPerSec = 1000
	largeFanoutCapacity         = 1024
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is unset while --mode=prod (any origin may open signaling WebSockets)",
			"warning_code", "allowed_origins_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	// Under the replace policy any client that knows a lobby's uuids can take
	// it over by announcing again.
	if cfg.Mode == config.ModeProd && cfg.DuplicateLobbyPolicy == lobby.DuplicateReplace {
		logger.Warn("startup security warning: DUPLICATE_LOBBY_POLICY=replace while --mode=prod (a second announce takes over an existing lobby)",
			"warning_code", "duplicate_lobby_policy_replace_in_prod",
			"duplicate_lobby_policy", cfg.DuplicateLobbyPolicy,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > largeSignalingMessageBytes {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessagesPerSecond > highSignalingMessagesPerSec {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is very high (weakens flood protection)",
			"warning_code", "max_signaling_messages_per_second_high",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
	if cfg.FanoutCapacity > largeFanoutCapacity {
		logger.Warn("startup security warning: FANOUT_CAPACITY is very large (a slow peer can pin that many queued messages)",
			"warning_code", "fanout_capacity_large",
			"fanout_capacity", cfg.FanoutCapacity,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.LogLevel <= slog.LevelDebug {
		logger.Warn("startup security warning: LOG_LEVEL=debug while --mode=prod (signaling payloads such as SDP may be logged)",
			"warning_code", "debug_logging_in_prod",
			"log_level", cfg.LogLevel,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
