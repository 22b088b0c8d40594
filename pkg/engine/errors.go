package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary lock contention, device momentarily unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal indicates a failure that must not be retried and triggers abort.
	// Examples: validation rejected the candidate, authentication rejection, malformed edit.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassIndeterminate indicates the request was sent but its outcome is unknown.
	// Neither retry nor rollback is attempted; the device needs manual verification.
	ErrorClassIndeterminate ErrorClass = "indeterminate"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device ID that caused the error, if applicable.
	Device string `json:"device,omitempty"`

	// Step is the lifecycle step being performed when the error occurred.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Device != "" && e.Step != "" {
		msg = fmt.Sprintf("%s (device=%s, step=%s)", msg, e.Device, e.Step)
	} else if e.Device != "" {
		msg = fmt.Sprintf("%s (device=%s)", msg, e.Device)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewIndeterminateError creates a new indeterminate error.
func NewIndeterminateError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassIndeterminate,
		Message: message,
		Err:     err,
		Code:    ErrCodeCommitIndeterminate,
	}
}

// NewLockContentionError creates the fatal error reported when a datastore lock
// could not be acquired within the wait budget.
func NewLockContentionError(message string, err error) *EngineError {
	return NewFatalError(message, err).WithCode(ErrCodeLockContention)
}

// WithDevice adds device context to an error.
func (e *EngineError) WithDevice(deviceID string) *EngineError {
	e.Device = deviceID
	return e
}

// WithStep adds lifecycle step context to an error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsIndeterminate returns true if the error is classified as indeterminate.
func IsIndeterminate(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassIndeterminate
	}
	return false
}

// IsLockContention returns true if the error reports a datastore lock held elsewhere.
func IsLockContention(err error) bool {
	return CodeOf(err) == ErrCodeLockContention
}

// CodeOf returns the code of the outermost EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classify converts any error into an EngineError.
// Errors already classified are returned as is. Step deadlines are transient,
// cancellation is fatal and everything else unknown is treated as fatal.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var e *EngineError
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError("step timed out", err).WithCode(ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return NewFatalError("operation cancelled", err).WithCode(ErrCodeCancelled)
	default:
		return NewFatalError("unclassified failure", err).WithCode(ErrCodeInternal)
	}
}

// Common error codes.
const (
	ErrCodeInvalidPlan         = "INVALID_PLAN"
	ErrCodePathAlias           = "PATH_ALIAS"
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeNoCompatibleBackend = "NO_COMPATIBLE_BACKEND"
	ErrCodeUnknownDevice       = "UNKNOWN_DEVICE"
	ErrCodeLockContention      = "LOCK_CONTENTION"
	ErrCodeRetriesExhausted    = "RETRIES_EXHAUSTED"
	ErrCodeBudgetExceeded      = "STEP_BUDGET_EXCEEDED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeRollbackFailed      = "ROLLBACK_FAILED"
	ErrCodeSiblingFailed       = "SIBLING_FAILED"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeVerifyFailed        = "VERIFY_FAILED"
	ErrCodeCommitIndeterminate = "COMMIT_INDETERMINATE"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeUnreachable         = "UNREACHABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeUnsupported         = "UNSUPPORTED"
	ErrCodeMalformedEdit       = "MALFORMED_EDIT"
	ErrCodeDataExists          = "DATA_EXISTS"
	ErrCodeDataMissing         = "DATA_MISSING"
	ErrCodeResourceDenied      = "RESOURCE_DENIED"
	ErrCodeDeviceError         = "DEVICE_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
