package domain

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeAlreadyAccepted   ErrorCode = "ALREADY_ACCEPTED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeExpired           ErrorCode = "EXPIRED"
	CodeValidation        ErrorCode = "VALIDATION"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is; any *Error with the same code matches.
var (
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrAlreadyAccepted   = &Error{Code: CodeAlreadyAccepted, Message: "already accepted"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "rate limited"}
	ErrExpired           = &Error{Code: CodeExpired, Message: "expired"}
	ErrValidation        = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
)

// Error is the structured failure returned by chat operations.
type Error struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return newError(CodeInvalidTransition, format, args...)
}

func AlreadyAccepted(format string, args ...any) *Error {
	return newError(CodeAlreadyAccepted, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, format, args...)
}

func Expired(format string, args ...any) *Error {
	return newError(CodeExpired, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "too many messages, slow down",
		RetryAfter: retryAfter,
	}
}

// Internal wraps a store or transport failure.
func Internal(err error, format string, args ...any) *Error {
	e := newError(CodeInternal, format, args...)
	e.Err = err
	return e
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
