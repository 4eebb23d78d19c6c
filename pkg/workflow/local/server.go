package local

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/workflow"
	"github.com/polisai/polis-sfn/pkg/workflow/sfnclient"
)

const (
	maxRequestBytes = MaxInputBytes + 64*1024
	errorNamespace  = "com.amazonaws.states#"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// SigningKey verifies bearer credentials. When empty every caller acts
	// as AnonymousRole.
	SigningKey    []byte
	AnonymousRole string
	Logger        *slog.Logger
}

// Server exposes an Engine over the StartSyncExecution JSON protocol.
type Server struct {
	engine *Engine
	opts   ServerOptions
	logger *slog.Logger
}

// NewServer wraps engine.
func NewServer(engine *Engine, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, opts: opts, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(sfnclient.RequestIDHeader, requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "UnknownOperationException", "only POST is supported")
		return
	}
	if target := r.Header.Get(sfnclient.TargetHeader); target != sfnclient.StartSyncTarget {
		s.writeError(w, http.StatusBadRequest, "UnknownOperationException", "unsupported operation "+target)
		return
	}

	principal := s.opts.AnonymousRole
	if len(s.opts.SigningKey) > 0 {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.writeInvocationError(w, domain.NewInvocationError(domain.KindAuthorization, workflow.ErrTypeMissingToken, "Missing Authentication Token", nil))
			return
		}
		claims, err := workflow.VerifyCredentials(s.opts.SigningKey, auth)
		if err != nil {
			code := workflow.ErrTypeUnrecognizedClient
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = workflow.ErrTypeExpiredToken
			}
			s.writeInvocationError(w, domain.NewInvocationError(domain.KindAuthorization, code, "The security token included in the request is invalid.", err))
			return
		}
		principal = claims.Role
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, workflow.ErrTypeSerialization, "request body could not be read")
		return
	}
	if len(data) > maxRequestBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, workflow.ErrTypeValidation, "request is too large")
		return
	}

	var payload domain.InvocationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, workflow.ErrTypeSerialization, "request is not a valid StartSyncExecution document")
		return
	}

	result, err := s.engine.StartSyncExecution(r.Context(), principal, payload)
	if err != nil {
		var invErr *domain.InvocationError
		if !errors.As(err, &invErr) {
			invErr = domain.NewInvocationError(domain.KindUnavailable, workflow.ErrTypeInternalFailure, "internal failure", err)
		}
		s.logger.Info("execution rejected",
			"request_id", requestID,
			"principal", principal,
			"state_machine_arn", payload.StateMachineArn,
			"error_kind", string(invErr.Kind),
			"error", invErr.Error(),
		)
		s.writeInvocationError(w, invErr)
		return
	}

	w.Header().Set("Content-Type", sfnclient.ContentType)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Warn("failed to write execution result", "request_id", requestID, "error", err)
	}
}

func (s *Server) writeInvocationError(w http.ResponseWriter, err *domain.InvocationError) {
	s.writeError(w, workflow.StatusFor(err), workflow.ErrorTypeFor(err), err.Message)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", sfnclient.ContentType)
	w.Header().Set(sfnclient.ErrorTypeHeader, errorType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"__type":  errorNamespace + errorType,
		"message": message,
	})
}
