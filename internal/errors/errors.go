// Package errors provides coded migration errors shared by readers, processors,
// writers and the orchestrator.
//
// Usage:
//
//	// In processors - return typed errors
//	if _, ok := ids.FindID(domain.EntityAuthor, side, key); !ok {
//	    return errors.MissingMappingf("author %q not migrated", key)
//	}
//
//	// In the stage runner - classify with errors.Skippable
//	if errors.Skippable(err) {
//	    skipped++
//	}
//
//	// Or use the Code directly for switch statements
//	var migErr *errors.Error
//	if errors.As(err, &migErr) {
//	    switch migErr.Code {
//	    case errors.CodeMissingMapping:
//	    case errors.CodeConstraintViolation:
//	    }
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the engine.
const (
	CodeMissingMapping      Code = "MISSING_MAPPING"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeTransient           Code = "TRANSIENT"
	CodePrecondition        Code = "PRECONDITION"
	CodeNotFound            Code = "NOT_FOUND"
	CodeValidation          Code = "VALIDATION"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL"
)

// HTTPStatus returns the appropriate HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodePrecondition:
		return http.StatusPreconditionFailed
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a migration error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		cause:   err,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrMissingMapping      = &Error{Code: CodeMissingMapping, Message: "missing identity mapping"}
	ErrConstraintViolation = &Error{Code: CodeConstraintViolation, Message: "constraint violation"}
	ErrTransient           = &Error{Code: CodeTransient, Message: "transient store error"}
	ErrPrecondition        = &Error{Code: CodePrecondition, Message: "precondition failed"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation          = &Error{Code: CodeValidation, Message: "validation error"}
	ErrConflict            = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInternal            = &Error{Code: CodeInternal, Message: "internal error"}
)

// Skippable reports whether err is a per-item error that the stage may skip
// and count against its skip budget instead of failing the chunk.
func Skippable(err error) bool {
	return errors.Is(err, ErrMissingMapping) || errors.Is(err, ErrConstraintViolation)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MissingMappingf creates a missing mapping error with formatted message.
func MissingMappingf(format string, args ...any) *Error {
	return &Error{Code: CodeMissingMapping, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a store I/O error that may succeed on a later run.
func Transient(err error, msg string) *Error {
	return &Error{Code: CodeTransient, Message: msg, cause: err}
}

// Precondition creates a precondition error.
func Precondition(msg string) *Error {
	return &Error{Code: CodePrecondition, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Conflictf creates a conflict error with formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Internalf creates an internal error with formatted message.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}
