// Package brokererr defines the stable, client-facing error taxonomy for
// the broker core (spec §7). Internal errors are plain wrapped fmt.Errorf
// chains, as elsewhere in this codebase; this package exists only for the
// handful of outcomes that must cross the core/HTTP boundary with a stable
// code and status.
package brokererr

import "fmt"

// Code is a stable, machine-readable error code.
type Code string

const (
	InvalidModel           Code = "INVALID_MODEL"
	NoProviderAvailable    Code = "NO_PROVIDER_AVAILABLE"
	InsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	ProviderTimeout        Code = "PROVIDER_TIMEOUT"
	ProviderTransportError Code = "PROVIDER_TRANSPORT_ERROR"
	ProviderBadResponse    Code = "PROVIDER_BAD_RESPONSE"
	Internal               Code = "INTERNAL"
)

// httpStatus is the HTTP status each code maps to at the API boundary.
var httpStatus = map[Code]int{
	InvalidModel:           400,
	NoProviderAvailable:    400,
	InsufficientBalance:    402,
	ProviderTimeout:        504,
	ProviderTransportError: 502,
	ProviderBadResponse:    502,
	Internal:               500,
}

// Error is a typed error carrying a stable Code alongside a human message.
// Never include internal details in Message for Internal — the caller sees
// only the generic "internal error" message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error that wraps cause, preserving errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}
