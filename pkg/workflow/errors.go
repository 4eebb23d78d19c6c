package workflow

import (
	"net/http"
	"strings"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// Engine error types of the StartSyncExecution protocol.
const (
	ErrTypeValidation           = "ValidationException"
	ErrTypeInvalidArn           = "InvalidArn"
	ErrTypeInvalidExecutionIn   = "InvalidExecutionInput"
	ErrTypeInvalidName          = "InvalidName"
	ErrTypeSerialization        = "SerializationException"
	ErrTypeStateMachineNotFound = "StateMachineDoesNotExist"
	ErrTypeTypeNotSupported     = "StateMachineTypeNotSupported"
	ErrTypeAccessDenied         = "AccessDeniedException"
	ErrTypeUnrecognizedClient   = "UnrecognizedClientException"
	ErrTypeExpiredToken         = "ExpiredTokenException"
	ErrTypeMissingToken         = "MissingAuthenticationTokenException"
	ErrTypeThrottling           = "ThrottlingException"
	ErrTypeTooManyRequests      = "TooManyRequestsException"
	ErrTypeServiceUnavailable   = "ServiceUnavailable"
	ErrTypeInternalFailure      = "InternalFailure"
	ErrTypeRequestTimeout       = "RequestTimeout"
)

var kindByErrorType = map[string]domain.InvocationErrorKind{
	ErrTypeValidation:           domain.KindMalformedPayload,
	ErrTypeInvalidArn:           domain.KindMalformedPayload,
	ErrTypeInvalidExecutionIn:   domain.KindMalformedPayload,
	ErrTypeInvalidName:          domain.KindMalformedPayload,
	ErrTypeSerialization:        domain.KindMalformedPayload,
	ErrTypeStateMachineNotFound: domain.KindMalformedPayload,
	ErrTypeTypeNotSupported:     domain.KindMalformedPayload,
	ErrTypeAccessDenied:         domain.KindAuthorization,
	ErrTypeUnrecognizedClient:   domain.KindAuthorization,
	ErrTypeExpiredToken:         domain.KindAuthorization,
	ErrTypeMissingToken:         domain.KindAuthorization,
	"InvalidSignatureException": domain.KindAuthorization,
	ErrTypeThrottling:           domain.KindThrottled,
	ErrTypeTooManyRequests:      domain.KindThrottled,
	"ExecutionLimitExceeded":    domain.KindThrottled,
	ErrTypeServiceUnavailable:   domain.KindUnavailable,
	ErrTypeInternalFailure:      domain.KindUnavailable,
	ErrTypeRequestTimeout:       domain.KindTimeout,
}

// ErrorType strips a namespace such as "com.amazonaws.states#" from an
// engine error type.
func ErrorType(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndexByte(raw, '#'); i >= 0 {
		raw = raw[i+1:]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// EngineError converts an engine error response into an InvocationError.
// The error type decides the kind; the HTTP status is the fallback. status
// is zero for transports without one.
func EngineError(status int, errorType, message string) *domain.InvocationError {
	code := ErrorType(errorType)
	kind, ok := kindByErrorType[code]
	if !ok {
		kind = kindForStatus(status)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = "workflow engine rejected the invocation"
	}
	return domain.NewInvocationError(kind, code, message, nil)
}

// ErrorTypeFor returns the protocol error type an engine reports for an
// invocation error kind.
func ErrorTypeFor(err *domain.InvocationError) string {
	if err.Code != "" {
		return err.Code
	}
	switch err.Kind {
	case domain.KindAuthorization:
		return ErrTypeAccessDenied
	case domain.KindMalformedPayload:
		return ErrTypeValidation
	case domain.KindThrottled:
		return ErrTypeThrottling
	case domain.KindTimeout:
		return ErrTypeRequestTimeout
	default:
		return ErrTypeServiceUnavailable
	}
}

// StatusFor returns the HTTP status an engine answers with for an
// invocation error.
func StatusFor(err *domain.InvocationError) int {
	switch err.Kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindMalformedPayload:
		return http.StatusBadRequest
	case domain.KindThrottled:
		return http.StatusTooManyRequests
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func kindForStatus(status int) domain.InvocationErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuthorization
	case status == http.StatusTooManyRequests:
		return domain.KindThrottled
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.KindTimeout
	case status >= 400 && status < 500:
		return domain.KindMalformedPayload
	default:
		return domain.KindUnavailable
	}
}
