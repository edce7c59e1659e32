// Package logging provides the small printf-style logger used across the
// engine. It deliberately stays on top of the standard library rather than
// pulling in a structured-logging dependency.
package logging

import (
	"context"
	"fmt"
	"log"
	"os"
)

// Logger is the minimal logging surface every component depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// componentLogger prefixes every line with the owning component's name.
type componentLogger struct {
	component string
	std       *log.Logger
}

// NewComponentLogger returns a Logger that tags every line with component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log("DEBUG", format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log("INFO", format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log("WARN", format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log("ERROR", format, args...) }

func (l *componentLogger) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("[%s] [%s] %s", level, l.component, msg)
}

// nopLogger discards everything. Useful as a safe default when no logger is
// wired, and as the target of OrNop for typed-nil Logger values.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop is a shared no-op Logger.
var Nop Logger = nopLogger{}

// IsNil reports whether logger is either a literal nil interface or a typed
// nil pointer hiding behind the interface — the latter panics on first call
// otherwise, a common foot-gun when a *componentLogger field is left unset.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if cl, ok := logger.(*componentLogger); ok {
		return cl == nil
	}
	return false
}

// OrNop returns logger if it is usable, otherwise the shared no-op Logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop
	}
	return logger
}

type logIDKey struct{}

// WithLogID attaches a correlation id to ctx for cross-component log
// grepping (task id, request id, run id — whichever the caller has).
func WithLogID(ctx context.Context, logID string) context.Context {
	return context.WithValue(ctx, logIDKey{}, logID)
}

// LogIDFromContext returns the correlation id stored by WithLogID, or "".
func LogIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(logIDKey{}).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a Logger that prefixes each line with the context's
// log id, falling back to base (or Nop) when none is set.
func FromContext(ctx context.Context, base Logger) Logger {
	base = OrNop(base)
	logID := LogIDFromContext(ctx)
	if logID == "" {
		return base
	}
	return &taggedLogger{base: base, tag: logID}
}

type taggedLogger struct {
	base Logger
	tag  string
}

func (l *taggedLogger) Debug(format string, args ...any) {
	l.base.Debug("[%s] "+format, append([]any{l.tag}, args...)...)
}
func (l *taggedLogger) Info(format string, args ...any) {
	l.base.Info("[%s] "+format, append([]any{l.tag}, args...)...)
}
func (l *taggedLogger) Warn(format string, args ...any) {
	l.base.Warn("[%s] "+format, append([]any{l.tag}, args...)...)
}
func (l *taggedLogger) Error(format string, args ...any) {
	l.base.Error("[%s] "+format, append([]any{l.tag}, args...)...)
}
