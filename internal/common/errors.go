package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	CodeTransient      = "TRANSIENT_INFRASTRUCTURE"
	CodeMalformedInput = "MALFORMED_INPUT"
	CodeParse          = "PARSE_ERROR"
	CodeCleanup        = "RESOURCE_CLEANUP"
	CodeStageTimeout   = "STAGE_TIMEOUT"
	CodeConfig         = "CONFIG_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeRejected       = "CLASSIFIER_REJECTED"
)

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
	ErrLockLost     = errors.New("job lock lost")

	ErrTransient      = errors.New("transient infrastructure error")
	ErrMalformedInput = errors.New("malformed input")
	ErrParse          = errors.New("unparseable classifier response")
	ErrCleanup        = errors.New("resource cleanup failed")
	ErrStageTimeout   = errors.New("stage timed out")
	ErrRejected       = errors.New("request rejected by provider")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func withKind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// TransientError marks a failure that is worth retrying later.
func TransientError(message string, cause error) *AppError {
	return NewAppError(CodeTransient, message, withKind(ErrTransient, cause))
}

// MalformedInputError marks input that will never process successfully.
func MalformedInputError(message string, cause error) *AppError {
	return NewAppError(CodeMalformedInput, message, withKind(ErrMalformedInput, cause))
}

func ParseError(message string, cause error) *AppError {
	return NewAppError(CodeParse, message, withKind(ErrParse, cause))
}

// RejectedError marks a provider refusing a request; retrying the same
// request will not help.
func RejectedError(message string, cause error) *AppError {
	return NewAppError(CodeRejected, message, withKind(ErrRejected, cause))
}

func CleanupError(message string, cause error) *AppError {
	return NewAppError(CodeCleanup, message, withKind(ErrCleanup, cause))
}

func StageTimeoutError(stage string, cause error) *AppError {
	return NewAppError(CodeStageTimeout, stage+" exceeded its time budget", withKind(ErrStageTimeout, cause))
}

// IsRetryable reports whether err should be retried under the retry policy.
// Malformed input and unparseable replies never are; unknown errors are
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrLockLost), errors.Is(err, ErrRejected),
		errors.Is(err, ErrParse):
		return false
	default:
		return true
	}
}

// IsStageTimeout reports whether err came from an exhausted stage deadline.
func IsStageTimeout(err error) bool {
	return errors.Is(err, ErrStageTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// PublicMessage returns the caller-safe message for err.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code + ": " + ae.Message
	}
	return "internal error"
}

// HTTPStatus maps an error onto the response status used by the HTTP API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrMalformedInput):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
