package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeExecution         ErrorType = "execution"
	ErrorTypeFallbackExhausted ErrorType = "fallback_exhausted"
	ErrorTypeUnavailable       ErrorType = "unavailable"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out after %s", operation, timeout)).
		WithDetail("timeout", timeout.String())
}

// NewCircuitOpenError is returned when a call is short-circuited because
// the breaker state disallows execution.
func NewCircuitOpenError(breakerName, state string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker '%s' is %s, call blocked", breakerName, state)).
		WithDetail("breaker", breakerName).
		WithDetail("state", state)
}

// NewExecutionError wraps a failure of the wrapped execution function.
func NewExecutionError(breakerName string, cause error) *AppError {
	return NewAppError(ErrorTypeExecution, "EXECUTION_FAILED",
		fmt.Sprintf("execution through circuit breaker '%s' failed", breakerName)).
		WithDetail("breaker", breakerName).
		WithCause(cause)
}

// NewFallbackExhaustedError is returned when no degradation strategy
// could produce a result for the failure context.
func NewFallbackExhaustedError(component string, cause error) *AppError {
	err := NewAppError(ErrorTypeFallbackExhausted, "FALLBACK_EXHAUSTED",
		fmt.Sprintf("no fallback strategy could handle failure of '%s'", component)).
		WithDetail("component", component)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// NewUnavailableError is the last-resort error an execution wrapper
// returns when the primary path and every fallback failed.
func NewUnavailableError(component string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "UNAVAILABLE",
		fmt.Sprintf("'%s' is currently unavailable", component)).
		WithDetail("component", component)
}

func NewAgentError(agentName, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "AGENT_ERROR", message).
		WithDetail("agent", agentName)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsCircuitOpen reports whether the error represents a blocked call.
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuitOpen)
}

// IsTimeout reports whether the error represents an execution timeout.
func IsTimeout(err error) bool {
	return IsType(err, ErrorTypeTimeout)
}
