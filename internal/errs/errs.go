// Package errs defines the error kinds shared by every layer of the service.
//
// Kinds decide retry behaviour and transport status; callers inspect them with
// KindOf rather than matching messages.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalid is malformed input. Never retried.
	KindInvalid
	// KindAdmissionRejected is backpressure. Retry after the hint.
	KindAdmissionRejected
	// KindUnavailable is a transient dependency failure. Retry with backoff.
	KindUnavailable
	// KindLeaseLost means the caller no longer owns a lease.
	KindLeaseLost
	// KindConflict is a state conflict such as resetting an absent group.
	KindConflict
	// KindNotFound is a missing topic or group on a lookup.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "validation_error"
	case KindAdmissionRejected:
		return "backpressure"
	case KindUnavailable:
		return "unavailable"
	case KindLeaseLost:
		return "lease_lost"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Invalidf builds a KindInvalid error.
func Invalidf(op, format string, args ...any) error {
	return &Error{Kind: KindInvalid, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Rejected builds a KindAdmissionRejected error with a retry hint.
func Rejected(op, msg string, retryAfter time.Duration) error {
	return &Error{Kind: KindAdmissionRejected, Op: op, Msg: msg, RetryAfter: retryAfter}
}

// Unavailable wraps a transient dependency failure.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// Conflictf builds a KindConflict error.
func Conflictf(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// LeaseLost builds a KindLeaseLost error.
func LeaseLost(op, msg string) error {
	return &Error{Kind: KindLeaseLost, Op: op, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err has kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether a caller may retry err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAdmissionRejected, KindUnavailable:
		return true
	default:
		return false
	}
}
