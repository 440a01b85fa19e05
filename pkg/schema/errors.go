package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeReplayIntegrity   = "REPLAY_INTEGRITY_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeCanceled          = "CANCELED"
)

// FunnelError is the structured error type for all funnel operations.
type FunnelError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FunnelError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FunnelError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether re-entering the conversation may succeed.
// Step failures leave the coordinate unadvanced and are retried on the next
// inbound event; integrity and configuration errors never heal on their own.
func (e *FunnelError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStepExecution, ErrCodeStore, ErrCodePersistence, ErrCodeTransport:
		return true
	default:
		return false
	}
}

// NewError creates a new FunnelError.
func NewError(code, message string) *FunnelError {
	return &FunnelError{Code: code, Message: message}
}

// NewErrorf creates a new FunnelError with a formatted message.
func NewErrorf(code, format string, args ...any) *FunnelError {
	return &FunnelError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *FunnelError) WithStage(stage string) *FunnelError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *FunnelError) WithCause(err error) *FunnelError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FunnelError) WithDetails(details map[string]any) *FunnelError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a FunnelError with the given code.
func IsCode(err error, code string) bool {
	var fe *FunnelError
	for err != nil {
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
