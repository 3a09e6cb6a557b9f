package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes. Returned synchronously at compile time; nothing
// executes when one of these is raised.
const (
	ErrValidationEmptySpec     ErrorCode = "VALIDATION_EMPTY_SPEC"
	ErrValidationDuplicateStep ErrorCode = "VALIDATION_DUPLICATE_STEP"
	ErrValidationUnknownAgent  ErrorCode = "VALIDATION_UNKNOWN_AGENT"
	ErrValidationDependency    ErrorCode = "VALIDATION_DEPENDENCY"
	ErrValidationCycle         ErrorCode = "VALIDATION_CYCLE"
)

// Transient error codes. Eligible for failover in the router and for
// backoff in the webhook dispatcher.
const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrRoutingUnavailable ErrorCode = "ROUTING_UNAVAILABLE"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
)

// Permanent error codes. Never retried by the core.
const (
	ErrAgentFailure          ErrorCode = "AGENT_FAILURE"
	ErrInvalidParams         ErrorCode = "INVALID_PARAMS"
	ErrNotRegistered         ErrorCode = "NOT_REGISTERED"
	ErrDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	ErrInternal              ErrorCode = "INTERNAL"
)

// ErrCancelled marks work stopped by cooperative cancellation. Cancelled
// steps are excluded from failure statistics.
const ErrCancelled ErrorCode = "CANCELLED"

// Kind groups error codes into the four behavioural classes of the engine.
type Kind int

const (
	KindPermanent Kind = iota
	KindValidation
	KindTransient
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindCancelled:
		return "cancelled"
	default:
		return "permanent"
	}
}

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Target    string    `json:"target,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind classifies the error by its code.
func (e *Error) Kind() Kind {
	switch e.Code {
	case ErrValidationEmptySpec, ErrValidationDuplicateStep,
		ErrValidationUnknownAgent, ErrValidationDependency, ErrValidationCycle:
		return KindValidation
	case ErrTimeout, ErrRateLimited, ErrBackendUnavailable,
		ErrRoutingUnavailable, ErrCircuitOpen, ErrDeliveryFailed:
		return KindTransient
	case ErrCancelled:
		return KindCancelled
	default:
		return KindPermanent
	}
}

// NewError creates a new Error with the given code and message. Transient
// codes are marked retryable.
func NewError(code ErrorCode, message string) *Error {
	e := &Error{Code: code, Message: message}
	e.Retryable = e.Kind() == KindTransient
	return e
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTarget records the agent or backend the error originated from.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithRetryable overrides the retryable flag derived from the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// KindOf classifies an arbitrary error. Context cancellation maps to
// KindCancelled, context deadline expiry to KindTransient, and unknown
// errors to KindPermanent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether the error may be retried or failed over.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancellation reports whether the error represents cooperative
// cancellation rather than a failure.
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancelled
}

// CodeOf extracts the error code from an error, or empty when the error is
// not a structured Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
