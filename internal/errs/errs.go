// Package errs defines the knowledge engine's error taxonomy so every
// layer — repositories, services, the gateway, and the API adapters — can
// map a failure to a stable code without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure from spec.md §7.
type Code string

const (
	CodeValidation          Code = "ValidationError"
	CodePermissionDenied    Code = "PermissionDenied"
	CodeCapabilityUnavail   Code = "CapabilityUnavailable"
	CodePathEscape          Code = "PathEscape"
	CodeNotFound            Code = "NotFound"
	CodeConflict            Code = "Conflict"
	CodeStorage             Code = "StorageError"
	CodeLockContention      Code = "LockContention"
	CodeProviderUnavailable Code = "ProviderUnavailable"
	CodeSchema              Code = "SchemaError"
	CodeCancelled           Code = "Cancelled"
	CodeInternal            Code = "Internal"
)

// Error is a taxonomy-tagged error. It wraps an underlying cause so
// errors.Is/errors.As still see through to the original failure.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the taxonomy code for the error.
func (e *Error) Code() Code { return e.code }

// Message returns the sanitized, user-visible message (never a stack
// trace or raw SQL state).
func (e *Error) Message() string { return e.message }

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...interface{}) *Error {
	return newErr(CodeValidation, format, args...)
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return newErr(CodePermissionDenied, format, args...)
}

func CapabilityUnavailable(format string, args ...interface{}) *Error {
	return newErr(CodeCapabilityUnavail, format, args...)
}

func PathEscape(format string, args ...interface{}) *Error {
	return newErr(CodePathEscape, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(CodeNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newErr(CodeConflict, format, args...)
}

func Storage(cause error, format string, args ...interface{}) *Error {
	return Wrap(CodeStorage, cause, format, args...)
}

func LockContention(format string, args ...interface{}) *Error {
	return newErr(CodeLockContention, format, args...)
}

func ProviderUnavailable(format string, args ...interface{}) *Error {
	return newErr(CodeProviderUnavailable, format, args...)
}

func Schema(cause error, format string, args ...interface{}) *Error {
	return Wrap(CodeSchema, cause, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return newErr(CodeCancelled, format, args...)
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf extracts the taxonomy code of err, defaulting to Internal for
// errors that did not originate from this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// MessageOf extracts a sanitized message suitable for a JSON error body.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.message
	}
	return "internal error"
}
