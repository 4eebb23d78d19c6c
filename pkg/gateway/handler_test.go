package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-sfn/internal/governance"
	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/workflow"
	"github.com/polisai/polis-sfn/pkg/workflow/local"
)

const (
	testArn  = "arn:aws:states:us-east-1:123456789012:stateMachine:Sync"
	testRole = "arn:aws:iam::123456789012:role/gateway"
)

type recordingInvoker struct {
	mu       sync.Mutex
	payloads []domain.InvocationPayload
	result   domain.ExecutionResult
	err      error
}

func (r *recordingInvoker) StartSyncExecution(_ context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return r.result, r.err
}

func (r *recordingInvoker) calls() []domain.InvocationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InvocationPayload(nil), r.payloads...)
}

func quietLogger() *StructuredLogger {
	return NewStructuredLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func newTestHandler(t *testing.T, inv workflow.Invoker, specs ...RouteSpec) *Handler {
	t.Helper()
	if len(specs) == 0 {
		specs = []RouteSpec{DefaultRouteSpec(testArn)}
	}
	routes := make([]*Route, 0, len(specs))
	for _, spec := range specs {
		r, err := NewRoute(spec)
		require.NoError(t, err)
		routes = append(routes, r)
	}
	snap, err := NewSnapshot(1, DefaultCORS(), routes...)
	require.NoError(t, err)

	h, err := NewHandler(Options{
		Snapshot:     snap,
		Invoker:      inv,
		Transport:    "test",
		Logger:       quietLogger(),
		NewRequestID: func() string { return "req-1" },
	})
	require.NoError(t, err)
	return h
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandler_SucceededExecution(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{
		Status: domain.StatusSucceeded,
		Output: `{"petId":"123"}`,
	}}
	h := newTestHandler(t, inv)

	rec := serve(h, http.MethodPost, "/create", `{"petId":"123"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":"req-1","output":"{\"petId\":\"123\"}"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "req-1", rec.Header().Get(HeaderAmznRequestID))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.JSONEq(t, `{"petId":"123"}`, body["output"])

	calls := inv.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testArn, calls[0].StateMachineArn)
	assert.JSONEq(t, `{"actionType":"create","body":{"petId":"123"}}`, calls[0].Input)
}

func TestHandler_PathParamsReachRequestTemplate(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	spec := DefaultRouteSpec(testArn)
	spec.Name = "pet"
	spec.Path = "/pets/{petId}"
	spec.RequestTemplate = `{"input": "{\"petId\": \"$util.escapeJavaScript($input.params('petId'))\", \"all\": $util.escapeJavaScript($input.json('$'))}", "stateMachineArn": "$util.escapeJavaScript($stageVariables.stateMachineArn)"}`
	h := newTestHandler(t, inv, spec)

	rec := serve(h, http.MethodPost, "/pets/p-42", `{"name":"fido"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	calls := inv.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"petId":"p-42","all":{"name":"fido"}}`, calls[0].Input)
}

func TestHandler_FailedExecution(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{
		Status: domain.StatusFailed,
		Error:  "States.Runtime",
		Cause:  "bad input",
	}}
	h := newTestHandler(t, inv)

	rec := serve(h, http.MethodPost, "/create", `{"petId":"123"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, `{"error":"States.Runtime","cause":"bad input"}`, rec.Body.String())
}

func TestHandler_NonSucceededStatusesAreFailures(t *testing.T) {
	for _, status := range []domain.ExecutionStatus{domain.StatusTimedOut, domain.StatusAborted} {
		t.Run(string(status), func(t *testing.T) {
			inv := &recordingInvoker{result: domain.ExecutionResult{Status: status, Error: "States.Timeout"}}
			rec := serve(newTestHandler(t, inv), http.MethodPost, "/create", `{}`)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.JSONEq(t, `{"error":"States.Timeout","cause":""}`, rec.Body.String())
		})
	}
}

func TestHandler_Preflight(t *testing.T) {
	inv := &recordingInvoker{}
	h := newTestHandler(t, inv)

	rec := serve(h, http.MethodOptions, "/create", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Empty(t, inv.calls())
}

func TestHandler_CredentialsOnlyWithExplicitOrigin(t *testing.T) {
	route, err := NewRoute(DefaultRouteSpec(testArn))
	require.NoError(t, err)

	for _, tc := range []struct {
		origin string
		want   string
	}{
		{origin: "*", want: ""},
		{origin: "https://app.example.com", want: "true"},
	} {
		cors := DefaultCORS()
		cors.AllowOrigin = tc.origin
		cors.AllowCredentials = true
		cors.MaxAgeSeconds = 600
		snap, err := NewSnapshot(1, cors, route)
		require.NoError(t, err)
		h, err := NewHandler(Options{Snapshot: snap, Invoker: &recordingInvoker{}, Logger: quietLogger()})
		require.NoError(t, err)

		rec := serve(h, http.MethodOptions, "/create", "")
		assert.Equal(t, tc.origin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, tc.want, rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	}
}

func TestHandler_AuthorizationDenied(t *testing.T) {
	engine, err := local.NewEngine(local.Options{
		Machines: []local.Machine{{Arn: testArn}},
		Authorizer: mustAuthorizer(t, local.Policy{
			testRole: {{Effect: local.EffectDeny, Actions: []string{local.ActionStartSyncExecution}, Resources: []string{"*"}}},
		}),
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	require.NoError(t, err)
	h := newTestHandler(t, engine.Invoker(testRole))

	rec := serve(h, http.MethodPost, "/create", `{"petId":"123"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeInvocationDenied, resp.Code)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.NotContains(t, rec.Body.String(), "not authorized")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_LocalEngineRoundTrip(t *testing.T) {
	engine, err := local.NewEngine(local.Options{
		Machines:   []local.Machine{{Arn: testArn}},
		Authorizer: mustAuthorizer(t, local.DefaultPolicy(testRole, testArn)),
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	require.NoError(t, err)
	h := newTestHandler(t, engine.Invoker(testRole))

	rec := serve(h, http.MethodPost, "/create", `{"petId":"123","note":"a\"b"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body["id"])
	assert.JSONEq(t, `{"actionType":"create","body":{"petId":"123","note":"a\"b"}}`, body["output"])
}

func mustAuthorizer(t *testing.T, policy local.Policy) *local.Authorizer {
	t.Helper()
	a, err := local.NewAuthorizer(context.Background(), policy)
	require.NoError(t, err)
	return a
}

func TestHandler_InvocationErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "authorization",
			err:      domain.NewInvocationError(domain.KindAuthorization, workflow.ErrTypeAccessDenied, "denied", nil),
			wantCode: http.StatusBadGateway,
			wantBody: CodeInvocationDenied,
		},
		{
			name:     "malformed",
			err:      domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeInvalidExecutionIn, "bad", nil),
			wantCode: http.StatusBadGateway,
			wantBody: CodeInvalidInvocation,
		},
		{
			name:     "unavailable",
			err:      domain.NewInvocationError(domain.KindUnavailable, "", "down", nil),
			wantCode: http.StatusServiceUnavailable,
			wantBody: CodeEngineUnavailable,
		},
		{
			name:     "throttled",
			err:      domain.NewInvocationError(domain.KindThrottled, workflow.ErrTypeThrottling, "slow down", nil),
			wantCode: http.StatusTooManyRequests,
			wantBody: CodeInvocationThrottled,
		},
		{
			name:     "plain transport error",
			err:      errors.New("connection refused"),
			wantCode: http.StatusServiceUnavailable,
			wantBody: CodeEngineUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &recordingInvoker{err: tt.err})
			rec := serve(h, http.MethodPost, "/create", `{}`)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, decodeError(t, rec).Code)
		})
	}
}

func TestHandler_InvocationTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := workflow.InvokerFunc(func(ctx context.Context, _ domain.InvocationPayload) (domain.ExecutionResult, error) {
		<-release
		return domain.ExecutionResult{Status: domain.StatusSucceeded}, nil
	})

	route, err := NewRoute(DefaultRouteSpec(testArn))
	require.NoError(t, err)
	snap, err := NewSnapshot(1, DefaultCORS(), route)
	require.NoError(t, err)
	h, err := NewHandler(Options{
		Snapshot: snap,
		Invoker:  slow,
		Timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{InvocationTimeout: 20 * time.Millisecond}),
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	rec := serve(h, http.MethodPost, "/create", `{}`)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, CodeInvocationTimeout, decodeError(t, rec).Code)
}

func TestHandler_ClientDisconnectDoesNotCancelInvocation(t *testing.T) {
	var invokedCtxErr error
	inv := workflow.InvokerFunc(func(ctx context.Context, _ domain.InvocationPayload) (domain.ExecutionResult, error) {
		invokedCtxErr = ctx.Err()
		return domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}, nil
	})
	h := newTestHandler(t, inv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NoError(t, invokedCtxErr)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandler_RequestValidation(t *testing.T) {
	strict := DefaultRouteSpec(testArn)
	strict.Name = "strict"
	strict.Path = "/strict"
	strict.RequireBody = true
	strict.MaxBodyBytes = 16

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		wantStatus  int
		wantCode    string
	}{
		{name: "unknown route", method: http.MethodPost, target: "/nope", body: `{}`, wantStatus: http.StatusNotFound, wantCode: CodeRouteNotFound},
		{name: "wrong method", method: http.MethodGet, target: "/create", wantStatus: http.StatusMethodNotAllowed, wantCode: CodeMethodNotAllowed},
		{name: "unsupported media type", method: http.MethodPost, target: "/strict", contentType: "text/plain", body: `{}`, wantStatus: http.StatusUnsupportedMediaType, wantCode: CodeUnsupportedMedia},
		{name: "missing body", method: http.MethodPost, target: "/strict", contentType: "application/json", wantStatus: http.StatusBadRequest, wantCode: CodeMissingBody},
		{name: "malformed body", method: http.MethodPost, target: "/strict", contentType: "application/json", body: `{"a":`, wantStatus: http.StatusBadRequest, wantCode: CodeInvalidBody},
		{name: "oversized body", method: http.MethodPost, target: "/strict", contentType: "application/json", body: `{"petId":"1234567890"}`, wantStatus: http.StatusRequestEntityTooLarge, wantCode: CodeBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded}}
			h := newTestHandler(t, inv, DefaultRouteSpec(testArn), strict)

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
			assert.Empty(t, inv.calls(), "no invocation for rejected requests")
			if tt.wantStatus == http.StatusMethodNotAllowed {
				assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))
			}
		})
	}
}

func TestHandler_DefaultRouteRejectsNonJSONContentType(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	h := newTestHandler(t, inv)

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, CodeUnsupportedMedia, decodeError(t, rec).Code)
	assert.Empty(t, inv.calls())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_DefaultRouteToleratesEmptyJSONBody(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	h := newTestHandler(t, inv)

	req := httptest.NewRequest(http.MethodPost, "/create", nil)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	calls := inv.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"actionType":"create","body":{}}`, calls[0].Input)
}

func TestHandler_PassthroughAcceptsAnyBody(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantInput string
	}{
		{name: "empty", body: "", wantInput: `{"actionType":"create","body":{}}`},
		{name: "not json", body: "hello", wantInput: `{"actionType":"create","body":"hello"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := DefaultRouteSpec(testArn)
			spec.Passthrough = true
			inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
			h := newTestHandler(t, inv, spec)

			req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "text/plain")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusCreated, rec.Code)
			calls := inv.calls()
			require.Len(t, calls, 1)
			assert.JSONEq(t, tt.wantInput, calls[0].Input)
		})
	}
}

func TestHandler_BadRequestTemplateIsInvalidInvocation(t *testing.T) {
	spec := DefaultRouteSpec(testArn)
	spec.RequestTemplate = `{"input": $input.json('$'), "stateMachineArn": "$stageVariables.stateMachineArn"}`
	inv := &recordingInvoker{}
	h := newTestHandler(t, inv, spec)

	rec := serve(h, http.MethodPost, "/create", `{"a":1}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, CodeInvalidInvocation, decodeError(t, rec).Code)
	assert.Empty(t, inv.calls())
}

func TestHandler_BadResponseTemplateIsInternalError(t *testing.T) {
	spec := DefaultRouteSpec(testArn)
	spec.SuccessTemplate = `{"output": $output`
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	h := newTestHandler(t, inv, spec)

	rec := serve(h, http.MethodPost, "/create", `{}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeInternal, resp.Code)
	assert.Equal(t, "Internal server error", resp.Message)
}

func TestHandler_RecoversFromPanic(t *testing.T) {
	inv := workflow.InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		panic("boom")
	})
	h := newTestHandler(t, inv)

	rec := serve(h, http.MethodPost, "/create", `{}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, decodeError(t, rec).Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestHandler_RequestIDEcho(t *testing.T) {
	h := newTestHandler(t, &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}})

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{}`))
	req.Header.Set(HeaderRequestID, "client-supplied-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-id", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "req-1", rec.Header().Get(HeaderAmznRequestID))
	assert.JSONEq(t, `{"id":"req-1","output":"{}"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{}`))
	req.Header.Set(HeaderRequestID, "has space")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
}

func TestHandler_RequestIDUniqueDespiteRepeatedClientID(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	route, err := NewRoute(DefaultRouteSpec(testArn))
	require.NoError(t, err)
	snap, err := NewSnapshot(1, DefaultCORS(), route)
	require.NoError(t, err)

	var logs bytes.Buffer
	h, err := NewHandler(Options{
		Snapshot: snap,
		Invoker:  inv,
		Logger:   NewStructuredLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
	})
	require.NoError(t, err)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{}`))
		req.Header.Set(HeaderRequestID, "same-id")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEqual(t, "same-id", body["id"])
		assert.Equal(t, body["id"], rec.Header().Get(HeaderAmznRequestID))
		assert.Equal(t, "same-id", rec.Header().Get(HeaderRequestID))
		ids[body["id"]] = true
	}
	assert.Len(t, ids, 3)

	assert.Len(t, inv.calls(), 3)
	assert.Contains(t, logs.String(), `"client_request_id":"same-id"`)
}

func TestHandler_UpdateSwapsRoutes(t *testing.T) {
	inv := &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}}
	h := newTestHandler(t, inv)

	spec := DefaultRouteSpec(testArn)
	spec.Path = "/orders"
	route, err := NewRoute(spec)
	require.NoError(t, err)
	snap, err := NewSnapshot(2, DefaultCORS(), route)
	require.NoError(t, err)
	h.Update(snap)

	assert.Equal(t, uint64(2), h.Snapshot().Generation)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/create", `{}`).Code)
	assert.Equal(t, http.StatusCreated, serve(h, http.MethodPost, "/orders/", `{}`).Code)
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Options{Invoker: &recordingInvoker{}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	route, err := NewRoute(DefaultRouteSpec(testArn))
	require.NoError(t, err)
	snap, err := NewSnapshot(1, DefaultCORS(), route)
	require.NoError(t, err)
	_, err = NewHandler(Options{Snapshot: snap})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestRootHandler_AdminPaths(t *testing.T) {
	metrics := NewMetrics()
	h := newTestHandler(t, &recordingInvoker{result: domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}})
	h.metrics = metrics
	root := NewRootHandler(h, metrics)

	rec := serve(root, http.MethodGet, HealthPath, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	assert.Equal(t, http.StatusCreated, serve(root, http.MethodPost, "/create", `{}`).Code)

	rec = serve(root, http.MethodGet, MetricsPath, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gateway_http_requests_total{method="POST",route="create",status_code="201"} 1`)
	assert.Contains(t, rec.Body.String(), `gateway_invocations_total{outcome="succeeded",route="create"} 1`)
}
