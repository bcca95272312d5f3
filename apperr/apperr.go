// Package apperr implements the error taxonomy shared by every subsystem:
// recoverable, fatal, cancelled, protocol and queue-full outcomes.
// It layers a closed Kind enum on top of efficientgo/core's
// wrapping errors so callers keep stack-aware messages while still being
// able to switch on what kind of failure they're looking at.
package apperr

import (
	"github.com/efficientgo/core/errors"
)

// Kind classifies an error for the purposes of logging level and
// recovery behavior. Never add a Kind without updating every switch
// that range over Kind values (device lifecycle, bus rejection path,
// sheets auth-strategy path).
type Kind int

const (
	// Recoverable errors are logged at warn and trigger reconnect/retry.
	Recoverable Kind = iota
	// Fatal errors are logged at error and terminate the affected subsystem.
	Fatal
	// Cancelled is an operation outcome, not a system error.
	Cancelled
	// Protocol errors mean a device returned an unexpected token or
	// malformed line; they trigger reconnect same as Recoverable.
	Protocol
	// QueueFull means an operation was rejected at submission time.
	QueueFull
)

func (k Kind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	case Cancelled:
		return "cancelled"
	case Protocol:
		return "protocol"
	case QueueFull:
		return "queue-full"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. It wraps an underlying cause (or
// carries just a message) and exposes its Kind for dispatch.
type Error struct {
	kind   Kind
	reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.reason
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the taxonomy kind of err, or Recoverable if err is not an
// *Error (the conservative default: unknown errors get retried, not
// treated as fatal).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Recoverable
}

// Reason returns the cancellation reason carried by a Cancelled error,
// or "" if err isn't one.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.kind == Cancelled {
		return e.reason
	}
	return ""
}

// New constructs a taxonomy error from a message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, reason: msg, cause: errors.New(msg)}
}

// Newf constructs a taxonomy error from a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, reason: errors.Newf(format, args...).Error(), cause: errors.Newf(format, args...)}
}

// Wrap tags an existing error with a Kind, adding context the way
// efficientgo/core/errors.Wrap does.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, reason: msg, cause: errors.Wrap(err, msg)}
}

// Cancelledf builds a Cancelled error carrying reason as both the
// message and the Reason() payload, e.g. "host-power-off".
func Cancelledf(reason string) error {
	return &Error{kind: Cancelled, reason: reason, cause: errors.New(reason)}
}

// QueueFullErr is the fixed error returned when an operation queue is at
// capacity.
var QueueFullErr = New(QueueFull, "queue-full")

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
