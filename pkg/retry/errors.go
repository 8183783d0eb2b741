package retry

import (
	"errors"
	"fmt"
)

// Kind tags a failure so the Policy can decide whether to try again
// without knowing which client library produced it.
type Kind int

const (
	// KindFatal failures terminate the run. Unclassified errors are fatal.
	KindFatal Kind = iota
	// KindTransient failures (connection loss, transport timeouts) are retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retriable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// Fatal marks err as non-retriable. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindFatal, Err: err}
}

// KindOf reports the outermost Kind attached to err.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
