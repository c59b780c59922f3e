// Package faults defines the error kinds a turn can end with.
package faults

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidInput          Kind = "InvalidInput"
	TranscriptionFailed   Kind = "TranscriptionFailed"
	GenerationFailed      Kind = "GenerationFailed"
	SynthesisFailed       Kind = "SynthesisFailed"
	SynthesisTimeout      Kind = "SynthesisTimeout"
	Timeout               Kind = "Timeout"
	TransportDisconnected Kind = "TransportDisconnected"
	Cancelled             Kind = "Cancelled"
	TurnInProgress        Kind = "TurnInProgress"
)

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf builds a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. Errors that already carry a kind keep it.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind of err, or "" when it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext maps a finished context to the kind that ended it.
// A cause set through context.WithCancelCause wins over the bare ctx error.
func FromContext(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if KindOf(cause) != "" {
		return cause
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: cause}
	}
	return &Error{Kind: Cancelled, Err: cause}
}

// Silent reports whether a turn ending with err must not emit an error frame.
func Silent(err error) bool {
	switch KindOf(err) {
	case TransportDisconnected:
		return true
	}
	return false
}
