package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorTransientUpstream ErrorCode = "TRANSIENT_UPSTREAM"
	ErrorPermanentUpstream ErrorCode = "PERMANENT_UPSTREAM"
	ErrorParse             ErrorCode = "PARSE_ERROR"
	ErrorStorage           ErrorCode = "STORAGE_ERROR"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
)

// Error is the classified failure shared by every layer. Reason is a short
// snake_case tag suitable for logs.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err was classified as a retryable upstream overload.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrorTransientUpstream
}

// StatusIsTransient classifies an upstream HTTP status: rate limiting and
// server-side failures (including Anthropic's 529 overloaded) are retryable.
func StatusIsTransient(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}
