package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents controller error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Failure taxonomy of the performance controller
	ErrCodeProbeFailure        ErrorCode = "PROBE_FAILURE"
	ErrCodeRequestFailure      ErrorCode = "REQUEST_FAILURE"
	ErrCodeEndpointFailure     ErrorCode = "ENDPOINT_FAILURE"
	ErrCodeResourceLeakWarning ErrorCode = "RESOURCE_LEAK_WARNING"
	ErrCodeCallbackFailure     ErrorCode = "CALLBACK_FAILURE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

// NewProbeFailure marks a network measurement that could not complete.
// Callers keep the previous value and do not surface it.
func NewProbeFailure(probe string, cause error) *AppError {
	return WrapError(cause, ErrCodeProbeFailure, fmt.Sprintf("%s probe failed", probe), http.StatusServiceUnavailable).
		WithContext("probe", probe)
}

// NewRequestFailure is the only failure that reaches callers of the
// connection optimizer: the retry budget was spent.
func NewRequestFailure(url string, attempts int, cause error) *AppError {
	return WrapError(cause, ErrCodeRequestFailure, "request failed after retries", http.StatusBadGateway).
		WithContext("url", url).
		WithContext("attempts", attempts)
}

// NewEndpointFailure describes an endpoint that crossed the reliability threshold.
func NewEndpointFailure(endpoint string, successRate float64) *AppError {
	return NewAppError(ErrCodeEndpointFailure, "endpoint below reliability threshold", http.StatusBadGateway).
		WithContext("endpoint", endpoint).
		WithContext("success_rate", successRate)
}

func NewResourceLeakWarning(resource string, count int) *AppError {
	return NewAppError(ErrCodeResourceLeakWarning, fmt.Sprintf("%s count above threshold", resource), http.StatusOK).
		WithContext("resource", resource).
		WithContext("count", count)
}

func NewCallbackFailure(eventType string, recovered interface{}) *AppError {
	return NewAppError(ErrCodeCallbackFailure, fmt.Sprintf("listener for %s failed: %v", eventType, recovered), http.StatusInternalServerError).
		WithContext("event", eventType)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
