package chaterr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	AuthExpired
	ValidationFailure
	ConflictOrNotFound
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case AuthExpired:
		return "auth_expired"
	case ValidationFailure:
		return "validation_failure"
	case ConflictOrNotFound:
		return "conflict_or_not_found"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Error carries a failure kind alongside the operation that produced it.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Retryable reports whether an automatic retry is allowed.
func Retryable(err error) bool { return Is(err, TransientNetwork) }

// RetryAfter returns the server-suggested delay for a rate limited error.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
