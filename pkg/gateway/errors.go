package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// Error codes returned in the JSON error body.
const (
	CodeRouteNotFound       = "ROUTE_NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeUnsupportedMedia    = "UNSUPPORTED_MEDIA_TYPE"
	CodeBodyTooLarge        = "BODY_TOO_LARGE"
	CodeMissingBody         = "MISSING_BODY"
	CodeInvalidBody         = "INVALID_BODY"
	CodeInvocationDenied    = "INVOCATION_DENIED"
	CodeInvalidInvocation   = "INVALID_INVOCATION"
	CodeEngineUnavailable   = "ENGINE_UNAVAILABLE"
	CodeInvocationTimeout   = "INVOCATION_TIMEOUT"
	CodeInvocationThrottled = "INVOCATION_THROTTLED"
	CodeInternal            = "INTERNAL_ERROR"
)

// errorStatus maps an error onto the status, code and client-safe message of
// the error response. Engine messages are never forwarded.
func errorStatus(err error) (int, string, string) {
	var validation *domain.RequestValidationError
	if errors.As(err, &validation) {
		return validation.Status, validation.Code, validation.Message
	}

	var invErr *domain.InvocationError
	if errors.As(err, &invErr) {
		switch invErr.Kind {
		case domain.KindAuthorization:
			return http.StatusBadGateway, CodeInvocationDenied, "The workflow engine refused the invocation"
		case domain.KindMalformedPayload:
			return http.StatusBadGateway, CodeInvalidInvocation, "The workflow invocation could not be built"
		case domain.KindTimeout:
			return http.StatusGatewayTimeout, CodeInvocationTimeout, "The workflow did not complete in time"
		case domain.KindThrottled:
			return http.StatusTooManyRequests, CodeInvocationThrottled, "Too many requests"
		default:
			return http.StatusServiceUnavailable, CodeEngineUnavailable, "The workflow engine is unavailable"
		}
	}

	return http.StatusInternalServerError, CodeInternal, "Internal server error"
}

// writeErrorResponse writes a structured JSON error response
func writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)

	resp := domain.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		TraceID:   getTraceID(ctx),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func validationError(status int, code, message string) error {
	return &domain.RequestValidationError{Status: status, Code: code, Message: message}
}
