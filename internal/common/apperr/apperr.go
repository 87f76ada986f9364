// Package apperr defines the error taxonomy shared by all services. Services
// raise one of the kinds below and the HTTP adapter maps kinds to status
// codes; nothing in between catches and re-wraps.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	// KindNotFound means a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindValidation means a required field is missing, malformed, or
	// out of range (duplicate plan names, unknown dependency names, ...).
	KindValidation Kind = "validation"
	// KindInvalidState means the operation is not legal in the entity's
	// current state (illegal transition, unclaimed release, ...).
	KindInvalidState Kind = "invalid_state"
	// KindConflict means another holder or a uniqueness constraint won.
	KindConflict Kind = "conflict"
	// KindInternal means the storage layer or an assertion failed.
	KindInternal Kind = "internal"
)

// Error carries a kind alongside the message and optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on bare kind sentinels produced by KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// InvalidState builds an invalid-state error.
func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps err as an internal error.
func Internal(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
