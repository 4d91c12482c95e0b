// Package sagalog adapts standard structured loggers to the saga.Logger
// interface, so an engine can log through log/slog (optionally with the
// tint colourised handler) without the saga package importing either.
package sagalog

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Ridhorezi/saga-orchestrator/saga"
)

// slogLogger adapts a *slog.Logger to saga.Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing *slog.Logger. A nil logger falls back
// to slog.Default().
func NewSlogLogger(l *slog.Logger) saga.Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

// NewTintLogger builds a saga.Logger backed by a tint-coloured slog
// handler writing to w (os.Stderr if nil). opts is passed through to
// tint.NewHandler; a nil opts gets sensible defaults (info level, RFC3339Nano
// timestamps).
func NewTintLogger(w io.Writer, opts *tint.Options) saga.Logger {
	if w == nil {
		w = os.Stderr
	}
	if opts == nil {
		opts = &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}
	}
	return NewSlogLogger(slog.New(tint.NewHandler(w, opts)))
}
