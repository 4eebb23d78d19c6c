package domain

import (
	"errors"
	"fmt"
)

// Bridge error classes. Every failure surfaced by the gateway matches exactly
// one of these with errors.Is.
var (
	ErrRequestValidation = errors.New("request validation failed")
	ErrInvocation        = errors.New("workflow invocation rejected")
	ErrWorkflowFailed    = errors.New("workflow execution failed")
	ErrInternal          = errors.New("internal bridge error")
)

// Invocation failure causes, matched through InvocationError.Is.
var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrMalformedPayload    = errors.New("malformed invocation payload")
	ErrEngineUnavailable   = errors.New("workflow engine unavailable")
	ErrInvocationTimeout   = errors.New("invocation timeout exceeded")
	ErrThrottled           = errors.New("invocation throttled")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrRouteNotFound       = errors.New("route not found")
)

// InvocationErrorKind classifies why the engine refused or never completed a call.
type InvocationErrorKind string

const (
	KindAuthorization    InvocationErrorKind = "authorization"
	KindMalformedPayload InvocationErrorKind = "malformed_payload"
	KindUnavailable      InvocationErrorKind = "unavailable"
	KindTimeout          InvocationErrorKind = "timeout"
	KindThrottled        InvocationErrorKind = "throttled"
)

func (k InvocationErrorKind) sentinel() error {
	switch k {
	case KindAuthorization:
		return ErrAuthorizationDenied
	case KindMalformedPayload:
		return ErrMalformedPayload
	case KindTimeout:
		return ErrInvocationTimeout
	case KindThrottled:
		return ErrThrottled
	default:
		return ErrEngineUnavailable
	}
}

// InvocationError reports that the engine rejected the call before the
// workflow ran, or could not be reached at all.
type InvocationError struct {
	Kind InvocationErrorKind
	// Code is the engine-reported error type (e.g. AccessDeniedException).
	Code    string
	Message string
	Err     error
}

// NewInvocationError builds an InvocationError of the given kind.
func NewInvocationError(kind InvocationErrorKind, code, message string, err error) *InvocationError {
	return &InvocationError{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *InvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("invocation %s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("invocation %s: %s", e.Kind, msg)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvocation and the sentinel for the error's kind.
func (e *InvocationError) Is(target error) bool {
	return target == ErrInvocation || target == e.Kind.sentinel()
}

// RequestValidationError reports a client fault detected before any
// invocation was attempted.
type RequestValidationError struct {
	// Status is the HTTP status the gateway should answer with (400, 413, 415).
	Status  int
	Code    string
	Message string
}

func (e *RequestValidationError) Error() string {
	return e.Message
}

func (e *RequestValidationError) Is(target error) bool {
	return target == ErrRequestValidation
}

// WorkflowFailure is a workflow that ran and finished unsuccessfully. It is
// an expected business outcome, not an infrastructure fault.
type WorkflowFailure struct {
	Status ExecutionStatus
	Err    string
	Cause  string
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("workflow %s: %s: %s", e.Status, e.Err, e.Cause)
}

func (e *WorkflowFailure) Is(target error) bool {
	return target == ErrWorkflowFailed
}

// Failure returns the result as a WorkflowFailure, or nil when it succeeded.
func (r ExecutionResult) Failure() *WorkflowFailure {
	if r.Status.Succeeded() {
		return nil
	}
	return &WorkflowFailure{Status: r.Status, Err: r.Error, Cause: r.Cause}
}

// InternalError wraps any unexpected failure inside the bridge. Its message
// is never shown to clients.
type InternalError struct {
	Stage string
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Stage, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

// ErrorResponse defines the JSON error model returned for validation,
// invocation and internal errors. It intentionally avoids exposing sensitive
// details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code      string `json:"code"`                 // Machine-readable error code (e.g., INVOCATION_DENIED)
	Message   string `json:"message"`              // Human-readable message (safe for clients)
	RequestID string `json:"request_id,omitempty"` // Correlation id of the request
	TraceID   string `json:"trace_id,omitempty"`   // Optional OpenTelemetry trace id
}
