// Package apperrors implements the structured error taxonomy the core uses
// to signal failures to reconcilers and to whatever transport layer sits in
// front of it.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType identifies the kind of failure an AppError represents.
type ErrorType string

const (
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeInvalidStateTransition ErrorType = "invalid_state_transition"
	ErrorTypeQuotaExceeded          ErrorType = "quota_exceeded"
	ErrorTypeConflict               ErrorType = "conflict"
	ErrorTypeValidation             ErrorType = "validation"
	ErrorTypeBuildFailed            ErrorType = "build_failed"
	ErrorTypeBackendUnavailable     ErrorType = "backend_unavailable"
	ErrorTypeAuth                   ErrorType = "unauthorized"
	ErrorTypeForbidden              ErrorType = "forbidden"
	ErrorTypeInternal               ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeNotFound:               http.StatusNotFound,
	ErrorTypeInvalidStateTransition: http.StatusBadRequest,
	ErrorTypeQuotaExceeded:          http.StatusBadRequest,
	ErrorTypeConflict:               http.StatusConflict,
	ErrorTypeValidation:             http.StatusBadRequest,
	ErrorTypeBuildFailed:            http.StatusUnprocessableEntity,
	ErrorTypeBackendUnavailable:     http.StatusServiceUnavailable,
	ErrorTypeAuth:                   http.StatusUnauthorized,
	ErrorTypeForbidden:              http.StatusForbidden,
	ErrorTypeInternal:               http.StatusInternalServerError,
}

// StatusCodeFor returns the HTTP status an external transport should use
// for the given error type, defaulting to 500 for unknown types.
func StatusCodeFor(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// QuotaInfo carries the structured fields spec'd for QuotaExceeded errors.
type QuotaInfo struct {
	QuotaType string
	Current   float64
	Limit     float64
}

// AppError is the single error type every core component returns for
// caller-visible failures.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
	Quota      *QuotaInfo
}

// New creates an AppError of the given type with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: StatusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError of the given type wrapping an underlying error.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: StatusCodeFor(t),
		Cause:      cause,
	}
}

// Wrapf creates a wrapped AppError with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches extra detail to the error in place and returns it.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted extra detail to the error in place.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithQuota attaches QuotaExceeded-specific fields and returns the error.
func (e *AppError) WithQuota(quotaType string, current, limit float64) *AppError {
	e.Quota = &QuotaInfo{QuotaType: quotaType, Current: current, Limit: limit}
	return e
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is not
// an *AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code associated with err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// safeMessages holds the generic, caller-safe text surfaced for error types
// whose internal Message may leak implementation detail.
var safeMessages = map[ErrorType]string{
	ErrorTypeNotFound:               "the requested resource was not found",
	ErrorTypeAuth:                   "authentication failed",
	ErrorTypeInvalidStateTransition: "the requested state transition is not allowed",
}

// SafeErrorMessage returns a message safe to return to an untrusted caller.
// Validation errors pass their message through verbatim (they describe the
// caller's own bad input); everything else is genericised.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	if appErr.Type == ErrorTypeValidation {
		return appErr.Message
	}
	if msg, ok := safeMessages[appErr.Type]; ok {
		return msg
	}
	return "An internal error occurred"
}

// LogFields returns structured fields suitable for a logger's WithValues.
func LogFields(err error) map[string]any {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return map[string]any{"error": err.Error()}
	}
	fields := map[string]any{
		"error":        appErr.Error(),
		"error_type":   string(appErr.Type),
		"status_code":  appErr.StatusCode,
	}
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Convenience constructors mirroring the teacher's predefined helpers.

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewConflictError(resource string) *AppError {
	return New(ErrorTypeConflict, fmt.Sprintf("%s already exists", resource))
}

func NewInvalidTransitionError(from, to string) *AppError {
	return Newf(ErrorTypeInvalidStateTransition, "invalid transition: %s -> %s", from, to)
}

func NewQuotaExceededError(quotaType string, current, limit float64, message string) *AppError {
	return New(ErrorTypeQuotaExceeded, message).WithQuota(quotaType, current, limit)
}

func NewBuildFailedError(stage, message string) *AppError {
	return Newf(ErrorTypeBuildFailed, "%s: %s", stage, message)
}

func NewBackendUnavailableError(message string) *AppError {
	return New(ErrorTypeBackendUnavailable, message)
}
