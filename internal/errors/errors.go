// Package errors defines the agent's error kinds and the structured error
// payload reported for failed tasks.
//
// Kinds:
//   - state: invariant violation, fatal to the operation but not the process
//   - validation: malformed external data
//   - runtime: generic failure, including sandbox aborts
//   - network: transient transport failure, the only automatically retried kind
//   - cancelled: explicit abort, never logged as an error
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"maps"
)

// Kind classifies an error.
type Kind string

const (
	KindState      Kind = "state"
	KindValidation Kind = "validation"
	KindRuntime    Kind = "runtime"
	KindNetwork    Kind = "network"
	KindCancelled  Kind = "cancelled"
)

// Sentinels for errors.Is comparisons by kind.
var (
	ErrState      = New(KindState, "invariant violation")
	ErrValidation = New(KindValidation, "invalid data")
	ErrRuntime    = New(KindRuntime, "runtime failure")
	ErrNetwork    = New(KindNetwork, "network failure")
	ErrCancelled  = New(KindCancelled, "cancelled")
)

// Error is the agent's structured error.
type Error struct {
	kind    Kind
	message string
	cause   error
	fields  map[string]any
}

// Option configures an Error.
type Option func(*Error)

// WithField attaches a scalar field that is carried into the error payload.
func WithField(key string, value any) Option {
	return func(e *Error) {
		if e.fields == nil {
			e.fields = make(map[string]any)
		}
		e.fields[key] = value
	}
}

// New creates an error of the given kind.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, message string, opts ...Option) *Error {
	e := New(kind, message, opts...)
	e.cause = cause
	return e
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNetwork)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.kind == t.kind
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	if e == nil {
		return ""
	}
	return e.kind
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Fields returns a copy of the attached scalar fields.
func (e *Error) Fields() map[string]any {
	if e == nil || len(e.fields) == 0 {
		return nil
	}
	return maps.Clone(e.fields)
}

// From returns the outermost *Error in err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf classifies any error. Context cancellation maps to cancelled and
// unclassified errors are runtime.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.kind
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindRuntime
}

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsCancelled reports whether err is an explicit cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
