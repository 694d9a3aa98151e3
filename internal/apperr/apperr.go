// Package apperr defines the structured errors returned by the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an API error class.
type Code string

const (
	CodeInvalidRequest Code = "INVALID_REQUEST"  // 400
	CodeUnauthorized   Code = "UNAUTHORIZED"     // 401
	CodeForbidden      Code = "FORBIDDEN"        // 403
	CodeNotFound       Code = "NOT_FOUND"        // 404
	CodeConflict       Code = "CONFLICT"         // 409
	CodeRateLimited    Code = "RATE_LIMITED"     // 429
	CodeReportFailed   Code = "REPORT_NOT_SAVED" // 500
	CodeInternal       Code = "INTERNAL"         // 500
)

// Error is an API error with an HTTP status.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error.
func NewInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: msg}
}

// NewUnauthorized creates a 401 error.
func NewUnauthorized() *Error {
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: "admin credentials required"}
}

// NewForbidden creates a 403 error for callers acting on something they do
// not own.
func NewForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: msg}
}

// NewNotFound creates a 404 error naming the missing resource.
func NewNotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf("%s not found", what)}
}

// NewConflict creates a 409 error.
func NewConflict(msg string) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: msg}
}

// NewRateLimited creates a 429 error.
func NewRateLimited() *Error {
	return &Error{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Message: "too many requests, slow down"}
}

// NewReportFailed creates the error reported when a mandatory report could
// not be persisted. This failure is always surfaced to the client.
func NewReportFailed() *Error {
	return &Error{
		Code:    CodeReportFailed,
		Status:  http.StatusInternalServerError,
		Message: "we could not save your report; please try again or contact us directly",
	}
}

// NewInternal creates a 500 error. The cause is not exposed to clients.
func NewInternal() *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error"}
}

// From converts any error into an *Error, mapping unknown errors to INTERNAL.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternal()
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
