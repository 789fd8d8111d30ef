package store

import (
	"fmt"

	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
)

// Error is a store error carrying the migration error code it maps to. Both
// the document store and the relational store return these sentinels.
type Error struct {
	Code    domainerrors.Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same message, so wrapped sentinels
// compare equal after WithCause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == e.Message
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: err}
}

// Sentinel errors.
var (
	ErrNotFound = &Error{
		Code:    domainerrors.CodeNotFound,
		Message: "not found",
	}

	ErrAlreadyExists = &Error{
		Code:    domainerrors.CodeConstraintViolation,
		Message: "already exists",
	}

	ErrClosed = &Error{
		Code:    domainerrors.CodePrecondition,
		Message: "store is closed",
	}

	ErrConstraint = &Error{
		Code:    domainerrors.CodeConstraintViolation,
		Message: "integrity constraint violated",
	}
)
