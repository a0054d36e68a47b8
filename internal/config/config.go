package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/origin"
)

const (
	envVarPort                          = "PORT"
	envVarListenHost                    = "LISTEN_HOST"
	envVarMode                          = "MODE"
	envVarLogFormat                     = "LOG_FORMAT"
	envVarLogLevel                      = "LOG_LEVEL"
	envVarLogFile                       = "LOG_FILE"
	envVarShutdownTimeout               = "SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins                = "ALLOWED_ORIGINS"
	envVarFanoutCapacity                = "FANOUT_CAPACITY"
	envVarDuplicateLobbyPolicy          = "DUPLICATE_LOBBY_POLICY"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"

	DefaultPort                               = 3000
	DefaultListenHost                         = "0.0.0.0"
	DefaultShutdown                           = 15 * time.Second
	DefaultMode                          Mode = ModeDev
	DefaultFanoutCapacity                     = 8
	DefaultMaxSignalingMessageBytes           = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond      = 50
	DefaultSignalingWSPingInterval            = 20 * time.Second
	DefaultSignalingWSIdleTimeout             = 60 * time.Second

	// Rotation for LOG_FILE.
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
	logFileMaxAgeDays = 28
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved process configuration.
type Config struct {
	Port       int
	ListenHost string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
	// LogFile, when set, receives a copy of every log line with size-based
	// rotation.
	LogFile string

	ShutdownTimeout time.Duration

	// AllowedOrigins is the normalized browser origin allowlist. Empty means
	// same-host only.
	AllowedOrigins []string

	FanoutCapacity       int
	DuplicateLobbyPolicy lobby.DuplicatePolicy

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSPingInterval       time.Duration
	SignalingWSIdleTimeout        time.Duration
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// envSettings mirrors the environment. LOG_FORMAT and LOG_LEVEL default by
// mode once flags are applied, so they carry no envDefault.
type envSettings struct {
	Port                          string        `env:"PORT" envDefault:"3000"`
	ListenHost                    string        `env:"LISTEN_HOST" envDefault:"0.0.0.0"`
	Mode                          string        `env:"MODE" envDefault:"dev"`
	LogFormat                     string        `env:"LOG_FORMAT"`
	LogLevel                      string        `env:"LOG_LEVEL"`
	LogFile                       string        `env:"LOG_FILE"`
	ShutdownTimeout               time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	AllowedOrigins                string        `env:"ALLOWED_ORIGINS"`
	FanoutCapacity                int           `env:"FANOUT_CAPACITY" envDefault:"8"`
	DuplicateLobbyPolicy          string        `env:"DUPLICATE_LOBBY_POLICY" envDefault:"replace"`
	MaxSignalingMessageBytes      int64         `env:"MAX_SIGNALING_MESSAGE_BYTES" envDefault:"65536"`
	MaxSignalingMessagesPerSecond int           `env:"MAX_SIGNALING_MESSAGES_PER_SECOND" envDefault:"50"`
	SignalingWSPingInterval       time.Duration `env:"SIGNALING_WS_PING_INTERVAL" envDefault:"20s"`
	SignalingWSIdleTimeout        time.Duration `env:"SIGNALING_WS_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load reads an optional .env file from the working directory, then the
// process environment, then command line flags. Later sources win, except
// that .env never overrides a variable already present in the environment.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(env.ToMap(os.Environ()), args)
}

func load(environ map[string]string, args []string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	var raw envSettings
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return Config{}, envError(raw, err)
	}

	flags := flag.NewFlagSet("aero-webrtc-lobby-relay", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		port           = raw.Port
		mode           = raw.Mode
		logFormat      = raw.LogFormat
		logLevel       = raw.LogLevel
		allowedOrigins = raw.AllowedOrigins
		duplicate      = raw.DuplicateLobbyPolicy
	)
	flags.StringVar(&port, "port", port, "TCP port to listen on ("+envVarPort+")")
	flags.StringVar(&raw.ListenHost, "listen-host", raw.ListenHost, "Interface to bind ("+envVarListenHost+")")
	flags.StringVar(&mode, "mode", mode, "dev or prod ("+envVarMode+")")
	flags.StringVar(&logFormat, "log-format", logFormat, "text or json; defaults to json in prod ("+envVarLogFormat+")")
	flags.StringVar(&logLevel, "log-level", logLevel, "debug, info, warn or error; defaults to info in prod ("+envVarLogLevel+")")
	flags.StringVar(&raw.LogFile, "log-file", raw.LogFile, "Also write logs to this rotated file ("+envVarLogFile+")")
	flags.DurationVar(&raw.ShutdownTimeout, "shutdown-timeout", raw.ShutdownTimeout, "Graceful shutdown budget ("+envVarShutdownTimeout+")")
	flags.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma separated origin allowlist, or * ("+envVarAllowedOrigins+")")
	flags.IntVar(&raw.FanoutCapacity, "fanout-capacity", raw.FanoutCapacity, "Pending messages kept per connection ("+envVarFanoutCapacity+")")
	flags.StringVar(&duplicate, "duplicate-lobby-policy", duplicate, "replace or reject ("+envVarDuplicateLobbyPolicy+")")
	flags.Int64Var(&raw.MaxSignalingMessageBytes, "max-signaling-message-bytes", raw.MaxSignalingMessageBytes, "Largest accepted WebSocket message ("+envVarMaxSignalingMessageBytes+")")
	flags.IntVar(&raw.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", raw.MaxSignalingMessagesPerSecond, "Per connection message rate ("+envVarMaxSignalingMessagesPerSecond+")")
	flags.DurationVar(&raw.SignalingWSPingInterval, "signaling-ws-ping-interval", raw.SignalingWSPingInterval, "WebSocket ping interval ("+envVarSignalingWSPingInterval+")")
	flags.DurationVar(&raw.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", raw.SignalingWSIdleTimeout, "Close connections silent for this long ("+envVarSignalingWSIdleTimeout+")")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if flags.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	// Unset log settings follow the final mode, whichever layer chose it.
	if strings.TrimSpace(logFormat) == "" {
		logFormat = defaultLogFormatForMode(mode)
	}
	if strings.TrimSpace(logLevel) == "" {
		logLevel = defaultLogLevelForMode(mode)
	}

	cfg := Config{
		ListenHost:                    strings.TrimSpace(raw.ListenHost),
		LogFile:                       strings.TrimSpace(raw.LogFile),
		ShutdownTimeout:               raw.ShutdownTimeout,
		FanoutCapacity:                raw.FanoutCapacity,
		MaxSignalingMessageBytes:      raw.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: raw.MaxSignalingMessagesPerSecond,
		SignalingWSPingInterval:       raw.SignalingWSPingInterval,
		SignalingWSIdleTimeout:        raw.SignalingWSIdleTimeout,
	}

	var err error
	if cfg.Port, err = parsePort(port); err != nil {
		return Config{}, err
	}
	if cfg.Mode, err = parseMode(mode); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(logFormat); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevel); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOrigins); err != nil {
		return Config{}, err
	}
	if cfg.DuplicateLobbyPolicy, err = lobby.ParseDuplicatePolicy(duplicate); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarDuplicateLobbyPolicy, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenHost == "" {
		return fmt.Errorf("%s must not be empty", envVarListenHost)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be > 0 (got %s)", envVarShutdownTimeout, c.ShutdownTimeout)
	}
	if c.FanoutCapacity <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", envVarFanoutCapacity, c.FanoutCapacity)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", envVarMaxSignalingMessageBytes, c.MaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", envVarMaxSignalingMessagesPerSecond, c.MaxSignalingMessagesPerSecond)
	}
	if c.SignalingWSPingInterval <= 0 {
		return fmt.Errorf("%s must be > 0 (got %s)", envVarSignalingWSPingInterval, c.SignalingWSPingInterval)
	}
	if c.SignalingWSIdleTimeout <= c.SignalingWSPingInterval {
		return fmt.Errorf("%s (%s) must be greater than %s (%s)",
			envVarSignalingWSIdleTimeout, c.SignalingWSIdleTimeout,
			envVarSignalingWSPingInterval, c.SignalingWSPingInterval)
	}
	return nil
}

// NewLogger builds the process logger. The returned closer flushes and
// closes the LOG_FILE sink, if any; it is never nil.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var (
		out    = stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			LocalTime:  true,
		}
		out = io.MultiWriter(stdout, file)
		closer = file
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), closer, nil
}

// envError rewrites parse failures to name the variable rather than the Go
// field it is bound to.
func envError(target any, err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return fmt.Errorf("parse env: %w", err)
	}
	typ := reflect.TypeOf(target)
	msgs := make([]string, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			if f, ok := typ.FieldByName(pe.Name); ok {
				msgs = append(msgs, fmt.Sprintf("invalid %s: %v", f.Tag.Get("env"), pe.Err))
				continue
			}
		}
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("parse env: %s", strings.Join(msgs, "; "))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parsePort(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envVarPort, raw, err)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid %s %q: must be within 1-65535", envVarPort, raw)
	}
	return n, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out, bad, ok := origin.NormalizeList(strings.Split(raw, ","))
	if !ok {
		return nil, fmt.Errorf("invalid %s entry %q (expected scheme://host[:port] or *)", envVarAllowedOrigins, bad)
	}
	return out, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
