// Package errcode defines the stable machine-readable error taxonomy shared
// by the settlement, refund and subscription engines.
package errcode

import "errors"

// Code identifies an error class to API callers. Values are stable.
type Code string

const (
	Validation         Code = "validation"
	NotFound           Code = "not_found"
	Conflict           Code = "conflict"
	MethodDisabled     Code = "method_disabled"
	VerificationFailed Code = "verification_failed"
	InsufficientFunds  Code = "insufficient_funds"
	OutOfStock         Code = "out_of_stock"
	Internal           Code = "internal"
)

// Error carries a code and a caller-safe message. The wrapped cause (often a
// raw storage error) stays inside for logs and is never rendered to callers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from err, or Internal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
