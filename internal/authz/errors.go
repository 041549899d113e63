package authz

import (
	"errors"
	"fmt"
)

// Code classifies authorization failures surfaced to callers.
type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeTooEarly     Code = "TOO_EARLY"
	CodeExpired      Code = "EXPIRED"
)

// Error is the typed failure returned by every enforcement and escalation
// operation. The reason is safe to show to callers; it never carries another
// member's state.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Reason
}

// Unauthorized means the session credential is absent, unknown or expired.
func Unauthorized(reason string) *Error {
	return &Error{Code: CodeUnauthorized, Reason: reason}
}

// Forbidden means the caller is known but not allowed.
func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Reason: fmt.Sprintf(format, args...)}
}

// NotFound means a referenced member or grant does not exist.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Conflict means a grant was not in the expected state.
func Conflict(reason string) *Error {
	return &Error{Code: CodeConflict, Reason: reason}
}

// TooEarly means the grant cooldown has not elapsed yet.
func TooEarly(reason string) *Error {
	return &Error{Code: CodeTooEarly, Reason: reason}
}

// Expired means the grant confirmation window has lapsed.
func Expired(reason string) *Error {
	return &Error{Code: CodeExpired, Reason: reason}
}

// CodeOf extracts the failure code, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
