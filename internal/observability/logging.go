// Package observability provides the structured logger used throughout the
// riegeli record reader pipeline.
package observability

import (
	"fmt"
	"io"
	"log/slog"
)

// Logger wraps a *slog.Logger with error-capture helpers used at every
// layer boundary (chunk reader, chunk decoder, record reader) where a
// failure is downgraded into a reported, recoverable skip rather than
// propagated raw to the caller.
type Logger struct {
	*slog.Logger
}

// New returns a Logger writing to the given slog.Logger.
func New(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger}
}

// NewNoOp returns a Logger that discards all messages, for use where the
// caller hasn't supplied one.
func NewNoOp() *Logger {
	return New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// With returns a derived Logger that includes the given attributes on
// every message.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// CaptureError logs an error at Error level. It exists as a distinct method
// from Logger.Error (which takes a message string) so that call sites that
// are handling a Go error value read naturally.
func (l *Logger) CaptureError(err error, args ...any) {
	l.Error(err.Error(), args...)
}

// CaptureWarn logs a warning, typically used when recovery silently skips a
// corrupted region that the caller's recovery callback chose to accept.
func (l *Logger) CaptureWarn(msg string, args ...any) {
	l.Warn(msg, args...)
}

// Sprintf is a convenience wrapper so call sites avoid importing fmt just to
// build a message for CaptureWarn/CaptureError.
func Sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
