// Package errors provides a structured error system for resload with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for resload operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Cache errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeCapacity ErrorCode = "CAPACITY"

	// Persistence errors
	ErrCodePersistence ErrorCode = "PERSISTENCE"
	ErrCodeCorrupt     ErrorCode = "PERSISTENCE_CORRUPT"

	// Fetch errors
	ErrCodeFetchFailed    ErrorCode = "FETCH_FAILED"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Strategy errors
	ErrCodeInvalidStrategy ErrorCode = "INVALID_STRATEGY"
	ErrCodeNoStrategy      ErrorCode = "NO_STRATEGY"

	// State errors
	ErrCodeComponentStopped  ErrorCode = "COMPONENT_STOPPED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCache         ErrorCategory = "cache"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryStrategy      ErrorCategory = "strategy"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// EngineError represents a structured error with context and metadata.
type EngineError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		if e.Operation != "" {
			fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
		} else {
			fmt.Fprintf(&b, "[%s] ", e.Component)
		}
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches another EngineError by code (for errors.Is compatibility).
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *EngineError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeNotFound, ErrCodeCapacity:
		return CategoryCache
	case ErrCodePersistence, ErrCodeCorrupt:
		return CategoryPersistence
	case ErrCodeFetchFailed, ErrCodeRetryExhausted:
		return CategoryFetch
	case ErrCodeInvalidStrategy, ErrCodeNoStrategy:
		return CategoryStrategy
	case ErrCodeComponentStopped, ErrCodeOperationCanceled:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodePersistence, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// WithDetail adds detailed information to an error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *EngineError) WithComponent(component string) *EngineError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithKey sets the resource key the error concerns
func (e *EngineError) WithKey(key string) *EngineError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable flag
func (e *EngineError) WithRetryable(retryable bool) *EngineError {
	e.Retryable = retryable
	return e
}

// NotFound reports a cache miss that the caller did not tolerate.
func NotFound(component, key string) *EngineError {
	return NewError(ErrCodeNotFound, "resource not cached").
		WithComponent(component).
		WithOperation("get").
		WithKey(key)
}

// Capacity reports that an entry cannot fit into a bounded tier.
func Capacity(component, key string, size, limit int64) *EngineError {
	return NewError(ErrCodeCapacity, "entry exceeds tier capacity").
		WithComponent(component).
		WithOperation("store").
		WithKey(key).
		WithDetail("size", size).
		WithDetail("limit", limit)
}

// FetchFailed wraps the caller-supplied fetch failure after retries are exhausted.
func FetchFailed(key string, attempts int, cause error) *EngineError {
	return NewError(ErrCodeFetchFailed, fmt.Sprintf("fetch failed after %d attempt(s)", attempts)).
		WithComponent("scheduler").
		WithOperation("fetch").
		WithKey(key).
		WithDetail("attempts", attempts).
		WithCause(cause)
}

// RetryExhausted reports that every allowed attempt failed with a retryable error.
func RetryExhausted(attempts int, cause error) *EngineError {
	return NewError(ErrCodeRetryExhausted, fmt.Sprintf("max retry attempts (%d) exceeded", attempts)).
		WithDetail("attempts", attempts).
		WithCause(cause).
		WithRetryable(false)
}

// NoStrategy reports a controller operation that needs at least one registered strategy.
func NoStrategy(operation string) *EngineError {
	return NewError(ErrCodeNoStrategy, "no strategies registered").
		WithComponent("strategy").
		WithOperation(operation)
}

// Persistence reports that the backing store is unavailable or rejected a call.
func Persistence(component, operation, key string, cause error) *EngineError {
	return NewError(ErrCodePersistence, "persistent store operation failed").
		WithComponent(component).
		WithOperation(operation).
		WithKey(key).
		WithCause(cause)
}

// Corrupt reports a persisted record that could not be decoded.
func Corrupt(component, key string, cause error) *EngineError {
	return NewError(ErrCodeCorrupt, "persisted record is corrupt").
		WithComponent(component).
		WithOperation("decode").
		WithKey(key).
		WithCause(cause)
}

// InvalidConfig reports a configuration validation failure.
func InvalidConfig(format string, args ...interface{}) *EngineError {
	return NewError(ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

// InvalidStrategy reports a strategy that cannot be registered.
func InvalidStrategy(id, reason string) *EngineError {
	return NewError(ErrCodeInvalidStrategy, reason).
		WithComponent("strategy").
		WithOperation("add").
		WithKey(id)
}

// ComponentStopped reports a call on a component that has been closed.
func ComponentStopped(component string) *EngineError {
	return NewError(ErrCodeComponentStopped, "component has been closed").
		WithComponent(component)
}

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

func hasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsCapacity reports whether err is a CAPACITY error.
func IsCapacity(err error) bool { return hasCode(err, ErrCodeCapacity) }

// IsFetch reports whether err is a FETCH_FAILED error.
func IsFetch(err error) bool { return hasCode(err, ErrCodeFetchFailed) }

// IsPersistence reports whether err is a PERSISTENCE or PERSISTENCE_CORRUPT error.
func IsPersistence(err error) bool {
	return hasCode(err, ErrCodePersistence) || hasCode(err, ErrCodeCorrupt)
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}
