// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a *log.Logger to the Logger interface.
type StdLogger struct {
	logger       *log.Logger
	includeDebug bool
}

// NewStdLogger wraps the provided standard logger. Debug lines are suppressed
// unless includeDebug is set.
func NewStdLogger(logger *log.Logger, includeDebug bool) *StdLogger {
	return &StdLogger{logger: logger, includeDebug: includeDebug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.logger == nil || !l.includeDebug {
		return
	}
	l.logger.Printf("DEBUG %s%s", msg, renderFields(fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf("INFO %s%s", msg, renderFields(fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf("ERROR %s%s", msg, renderFields(fields))
}

func renderFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
