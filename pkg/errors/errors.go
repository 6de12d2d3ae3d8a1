package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/saveenergy/quicperf/pkg/types"
)

// ProbeError is the error type returned across the perf connection and
// session boundaries.
type ProbeError struct {
	Code    string
	Message string
	Cause   error
	Kind    types.Kind
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

const (
	ErrCodeInitFailed       = "INIT_FAILED"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeAlreadyStarted   = "ALREADY_STARTED"
	ErrCodeNotStarted       = "NOT_STARTED"
	ErrCodeClosed           = "CLOSED"
	ErrCodeCancelled        = "CANCELLED"
)

func ErrInitFailed(kind types.Kind, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeInitFailed,
		Message: "backend initialization failed",
		Cause:   cause,
		Kind:    kind,
	}
}

func ErrInvalidConfig(msg string, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrConnectionFailed(msg string, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrAlreadyStarted(kind types.Kind) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeAlreadyStarted,
		Message: "connection already started",
		Kind:    kind,
	}
}

func ErrNotStarted(kind types.Kind) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeNotStarted,
		Message: "connection not started",
		Kind:    kind,
	}
}

func ErrClosed(msg string) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeClosed,
		Message: msg,
	}
}

func ErrCancelled(cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeCancelled,
		Message: "operation cancelled",
		Cause:   cause,
	}
}

// IsCode reports whether any error in err's chain is a ProbeError with code.
func IsCode(err error, code string) bool {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
