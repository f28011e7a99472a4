// Package logging wraps log/slog with the attributes the orchestrator tags
// its output with: case, phase and role.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Logger is safe for concurrent use. Child loggers share the parent's handler.
type Logger struct {
	logger *slog.Logger
}

// New builds a logger writing to w (stderr when nil).
func New(w io.Writer, level, format string) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		handler = slog.NewTextHandler(w, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &Logger{logger: slog.New(handler)}, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level names a known level. Empty means INFO.
func ValidLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) base() *slog.Logger {
	if l == nil || l.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.logger
}

func (l *Logger) WithCase(caseID string) *Logger {
	return l.With("case_id", caseID)
}

func (l *Logger) WithPhase(phase string) *Logger {
	return l.With("phase", phase)
}

func (l *Logger) WithRole(role string) *Logger {
	return l.With("role", role)
}

func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.base().With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.base().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base().Error(msg, args...) }

// Slog exposes the underlying logger for libraries that take *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base()
}
