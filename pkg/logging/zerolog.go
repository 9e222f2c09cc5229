package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts zerolog.Logger to the Logger port. It is the
// broker's default logging backend.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger builds a ZerologLogger writing human-readable console
// output to w (typically os.Stderr). Pass nil for w to use os.Stderr.
func NewZerologLogger(w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &ZerologLogger{l: zerolog.New(console).With().Timestamp().Logger()}
}

// NewJSONLogger builds a ZerologLogger writing newline-delimited JSON to w.
// Suited to production deployments where logs are shipped to a collector.
func NewJSONLogger(w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	return &ZerologLogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

func apply(ev *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	apply(z.l.Debug(), fields).Msg(msg)
}

func (z *ZerologLogger) Info(msg string, fields ...Field) {
	apply(z.l.Info(), fields).Msg(msg)
}

func (z *ZerologLogger) Warn(msg string, fields ...Field) {
	apply(z.l.Warn(), fields).Msg(msg)
}

func (z *ZerologLogger) Error(msg string, err error, fields ...Field) {
	apply(z.l.Error().Err(err), fields).Msg(msg)
}

func (z *ZerologLogger) With(fields ...Field) Logger {
	ctx := z.l.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{l: ctx.Logger()}
}

var _ Logger = (*ZerologLogger)(nil)
