package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
)

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(map[string]string{}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port=%d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.ListenAddr() != "0.0.0.0:3000" {
		t.Fatalf("ListenAddr=%q, want 0.0.0.0:3000", cfg.ListenAddr())
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.FanoutCapacity != DefaultFanoutCapacity {
		t.Fatalf("FanoutCapacity=%d, want %d", cfg.FanoutCapacity, DefaultFanoutCapacity)
	}
	if cfg.DuplicateLobbyPolicy != lobby.DuplicateReplace {
		t.Fatalf("DuplicateLobbyPolicy=%v, want replace", cfg.DuplicateLobbyPolicy)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v", cfg.SignalingWSPingInterval)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v", cfg.SignalingWSIdleTimeout)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
}

func TestPortFromEnv(t *testing.T) {
	cfg, err := load(map[string]string{envVarPort: "8081"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8081 {
		t.Fatalf("Port=%d, want 8081", cfg.Port)
	}
}

func TestPortFlagOverridesEnv(t *testing.T) {
	cfg, err := load(map[string]string{envVarPort: "8081"}, []string{"--port", "9000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port=%d, want 9000", cfg.Port)
	}
}

func TestInvalidPort(t *testing.T) {
	for _, raw := range []string{"abc", "0", "70000", "-1"} {
		_, err := load(map[string]string{envVarPort: raw}, nil)
		if err == nil {
			t.Fatalf("PORT=%q: expected error", raw)
		}
		if !strings.Contains(err.Error(), envVarPort) {
			t.Fatalf("PORT=%q: error %q does not name the variable", raw, err)
		}
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(map[string]string{}, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestDefaultsProdFromEnv(t *testing.T) {
	cfg, err := load(map[string]string{envVarMode: "production"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q logFormat=%q, want prod/json", cfg.Mode, cfg.LogFormat)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(map[string]string{envVarLogFormat: "text"}, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestInvalidMode(t *testing.T) {
	if _, err := load(map[string]string{envVarMode: "staging"}, nil); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	if _, err := load(map[string]string{envVarLogLevel: "loud"}, nil); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestDuplicateLobbyPolicy(t *testing.T) {
	cfg, err := load(map[string]string{envVarDuplicateLobbyPolicy: "Reject"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DuplicateLobbyPolicy != lobby.DuplicateReject {
		t.Fatalf("DuplicateLobbyPolicy=%v, want reject", cfg.DuplicateLobbyPolicy)
	}

	_, err = load(map[string]string{envVarDuplicateLobbyPolicy: "merge"}, nil)
	if err == nil || !strings.Contains(err.Error(), envVarDuplicateLobbyPolicy) {
		t.Fatalf("err=%v, want error naming %s", err, envVarDuplicateLobbyPolicy)
	}
}

func TestDurationsFromEnv(t *testing.T) {
	cfg, err := load(map[string]string{
		envVarShutdownTimeout:         "3s",
		envVarSignalingWSPingInterval: "5s",
		envVarSignalingWSIdleTimeout:  "30s",
	}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.SignalingWSPingInterval != 5*time.Second || cfg.SignalingWSIdleTimeout != 30*time.Second {
		t.Fatalf("ping=%v idle=%v", cfg.SignalingWSPingInterval, cfg.SignalingWSIdleTimeout)
	}
}

func TestMalformedDurationNamesVariable(t *testing.T) {
	_, err := load(map[string]string{envVarShutdownTimeout: "soon"}, nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarShutdownTimeout) {
		t.Fatalf("error %q does not name %s", err, envVarShutdownTimeout)
	}
}

func TestIdleTimeoutMustExceedPingInterval(t *testing.T) {
	_, err := load(map[string]string{
		envVarSignalingWSPingInterval: "30s",
		envVarSignalingWSIdleTimeout:  "30s",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), envVarSignalingWSIdleTimeout) {
		t.Fatalf("err=%v, want error naming %s", err, envVarSignalingWSIdleTimeout)
	}
}

func TestNonPositiveLimitsRejected(t *testing.T) {
	for key, val := range map[string]string{
		envVarFanoutCapacity:                "0",
		envVarMaxSignalingMessageBytes:      "0",
		envVarMaxSignalingMessagesPerSecond: "-5",
	} {
		_, err := load(map[string]string{key: val}, nil)
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%s: err=%v, want error naming the variable", key, val, err)
		}
	}
}

func TestFanoutCapacityFlag(t *testing.T) {
	cfg, err := load(map[string]string{}, []string{"--fanout-capacity", "32"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FanoutCapacity != 32 {
		t.Fatalf("FanoutCapacity=%d, want 32", cfg.FanoutCapacity)
	}
}

func TestUnexpectedArguments(t *testing.T) {
	if _, err := load(map[string]string{}, []string{"serve"}); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	cfg, err := load(map[string]string{
		envVarAllowedOrigins: " https://Example.com:443 , http://localhost:5173 ",
	}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:5173"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
		}
	}
}

func TestParseAllowedOrigins_AllowsStar(t *testing.T) {
	cfg, err := load(map[string]string{envVarAllowedOrigins: "*"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins=%v, want [*]", cfg.AllowedOrigins)
	}
}

func TestParseAllowedOrigins_RejectsPath(t *testing.T) {
	_, err := load(map[string]string{envVarAllowedOrigins: "https://example.com/app"}, nil)
	if err == nil || !strings.Contains(err.Error(), envVarAllowedOrigins) {
		t.Fatalf("err=%v, want error naming %s", err, envVarAllowedOrigins)
	}
}

func TestNewLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("lobby announced", "lobby", "h1/d1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, `"lobby":"h1/d1"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewLogger_TeesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{LogFormat: LogFormatText, LogLevel: slog.LevelInfo, LogFile: path}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") || !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("file=%q stdout=%q", data, buf.String())
	}
}

func TestNewLogger_UnsupportedFormat(t *testing.T) {
	if _, _, err := newLogger(Config{LogFormat: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error, got nil")
	}
}
