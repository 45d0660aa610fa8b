// Package logging adapts log/slog to the key/value Logger used across the engine.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
)

// SlogLogger implements agents.Logger and commbus.Logger on top of slog.
type SlogLogger struct {
	l *slog.Logger
}

var _ agents.Logger = (*SlogLogger)(nil)

// New wraps an existing slog logger.
func New(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// NewFromConfig builds a JSON or text logger at the named level.
func NewFromConfig(w io.Writer, level, format string) (*SlogLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return New(slog.New(handler)), nil
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func (s *SlogLogger) Debug(msg string, fields ...any) {
	s.l.Debug(msg, fields...)
}

func (s *SlogLogger) Info(msg string, fields ...any) {
	s.l.Info(msg, fields...)
}

func (s *SlogLogger) Warn(msg string, fields ...any) {
	s.l.Warn(msg, fields...)
}

func (s *SlogLogger) Error(msg string, fields ...any) {
	s.l.Error(msg, fields...)
}

// Bind returns a logger that adds fields to every record.
func (s *SlogLogger) Bind(fields ...any) agents.Logger {
	return &SlogLogger{l: s.l.With(fields...)}
}

// Slog exposes the underlying logger for libraries that take *slog.Logger.
func (s *SlogLogger) Slog() *slog.Logger {
	return s.l
}

// Enabled reports whether level is logged.
func (s *SlogLogger) Enabled(level slog.Level) bool {
	return s.l.Enabled(context.Background(), level)
}
