package probe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug; pion's trace output is only shown
// when explicitly asked for.
const levelTrace = slog.LevelDebug - 4

// SlogLoggerFactory routes pion's internal logging into a slog.Logger, one
// "scope" attribute per pion subsystem.
type SlogLoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = SlogLoggerFactory{}

func (f SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLeveled{log: logger.With("scope", "pion/"+scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l *slogLeveled) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLeveled) Trace(msg string) { l.emit(levelTrace, msg) }
func (l *slogLeveled) Tracef(format string, args ...any) {
	l.emit(levelTrace, fmt.Sprintf(format, args...))
}
func (l *slogLeveled) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *slogLeveled) Debugf(format string, args ...any) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *slogLeveled) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *slogLeveled) Infof(format string, args ...any) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *slogLeveled) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *slogLeveled) Warnf(format string, args ...any) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *slogLeveled) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *slogLeveled) Errorf(format string, args ...any) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
