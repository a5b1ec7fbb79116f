// Package errs provides structured error types and helpers for the terminal farm.
package errs

import (
	"errors"
	"strings"
)

// Code identifies an error category surfaced by farm components.
type Code string

const (
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a cross-source reconciliation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a backing service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeOrchestrator indicates the external terminal orchestrator rejected or failed a request.
	CodeOrchestrator Code = "orchestrator_error"
)

// E captures structured error information produced across the farm stack.
type E struct {
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// WithMessage sets the human-readable message.
func WithMessage(msg string) Option {
	return func(e *E) {
		e.Message = strings.TrimSpace(msg)
	}
}

// WithCause attaches an underlying error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Error renders the envelope as a string.
func (e *E) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, walking the wrap chain.
// Errors outside the envelope taxonomy report an empty code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
