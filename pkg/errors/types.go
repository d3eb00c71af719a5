package errors

import (
	"fmt"
	"time"
)

// ErrorType classifies a failure by how the relay recovers from it
type ErrorType int

const (
	// ErrorTypePolicyViolation is an origin outside the allow-list. Fatal to the connection.
	ErrorTypePolicyViolation ErrorType = iota
	// ErrorTypeAuthFailure is a role claim whose token does not match. Fatal to the connection.
	ErrorTypeAuthFailure
	// ErrorTypeMalformedFrame is a frame that could not be decoded. The frame is skipped.
	ErrorTypeMalformedFrame
	// ErrorTypeSendFailure is a write to a single peer that did not go through.
	ErrorTypeSendFailure
	// ErrorTypeTransportFailure is a network-level disconnect or dial error.
	ErrorTypeTransportFailure
	// ErrorTypeValidation indicates invalid input or configuration
	ErrorTypeValidation
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
)

// Error codes shared across packages
const (
	CodeOriginNotAllowed = "ORIGIN_NOT_ALLOWED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeMalformedFrame   = "MALFORMED_FRAME"
	CodeSendQueueFull    = "SEND_QUEUE_FULL"
	CodeSendClosed       = "SEND_CLOSED"
	CodeDialFailed       = "DIAL_FAILED"
	CodeConnectionLost   = "CONNECTION_LOST"
	CodeMarshal          = "MARSHAL_ERROR"
	CodeRoleConflict     = "ROLE_CONFLICT"
)

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Details != "" {
			return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match on Type and Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// find returns the first *Error in err's chain
func find(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// String returns the snake_case name used in logs
func (t ErrorType) String() string {
	switch t {
	case ErrorTypePolicyViolation:
		return "policy_violation"
	case ErrorTypeAuthFailure:
		return "auth_failure"
	case ErrorTypeMalformedFrame:
		return "malformed_frame"
	case ErrorTypeSendFailure:
		return "send_failure"
	case ErrorTypeTransportFailure:
		return "transport_failure"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeInternal:
		return "internal"
	default:
		return "unknown"
	}
}
