package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-sfn/internal/governance"
	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/telemetry"
	"github.com/polisai/polis-sfn/pkg/template"
	"github.com/polisai/polis-sfn/pkg/workflow"
)

// Correlation headers set on every response.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderAmznRequestID = "X-Amzn-RequestId"

	maxRequestIDLength = 128
	unmatchedRoute     = "unmatched"
)

type (
	requestIDContextKey       struct{}
	clientRequestIDContextKey struct{}
)

// RequestIDFromContext returns the correlation id of the request being served.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// ClientRequestIDFromContext returns the X-Request-ID the caller sent, if it
// was well formed.
func ClientRequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientRequestIDContextKey{}).(string)
	return id
}

// Options configures a Handler.
type Options struct {
	// Snapshot is the initial route table.
	Snapshot *Snapshot
	Invoker  workflow.Invoker
	// Transport labels spans and metrics (http, nats, local).
	Transport string
	Timeouts  *governance.TimeoutManager
	Metrics   *Metrics
	Logger    *StructuredLogger
	// NewRequestID mints the correlation id of every request.
	NewRequestID func() string
}

// Handler is the HTTP entry point of the bridge. One request produces at
// most one invocation; nothing is retried.
type Handler struct {
	snapshot     atomic.Pointer[Snapshot]
	invoker      workflow.Invoker
	transport    string
	timeouts     *governance.TimeoutManager
	metrics      *Metrics
	log          *StructuredLogger
	newRequestID func() string
}

// NewHandler builds a Handler. The invoker is bounded by the invocation
// timeout and traced.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Snapshot == nil {
		return nil, fmt.Errorf("%w: route snapshot is required", domain.ErrConfigInvalid)
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("%w: workflow invoker is required", domain.ErrConfigInvalid)
	}
	timeouts := opts.Timeouts
	if timeouts == nil {
		timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	transport := opts.Transport
	if transport == "" {
		transport = "custom"
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewStructuredLogger(nil)
	}
	newID := opts.NewRequestID
	if newID == nil {
		newID = uuid.NewString
	}

	h := &Handler{
		invoker:      workflow.Instrument(workflow.WithTimeout(opts.Invoker, timeouts.Config().InvocationTimeout), transport),
		transport:    transport,
		timeouts:     timeouts,
		metrics:      opts.Metrics,
		log:          logger,
		newRequestID: newID,
	}
	h.snapshot.Store(opts.Snapshot)
	opts.Metrics.SetRoutes(len(opts.Snapshot.routes))
	return h, nil
}

// Update swaps the route table. Requests already in flight finish on the
// snapshot they started with.
func (h *Handler) Update(s *Snapshot) {
	if s == nil {
		return
	}
	h.snapshot.Store(s)
	h.metrics.SetRoutes(len(s.routes))
}

// Snapshot returns the active route table.
func (h *Handler) Snapshot() *Snapshot {
	return h.snapshot.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// Wrap ResponseWriter to prevent superfluous WriteHeader calls
	rec := &statusRecorder{ResponseWriter: w}
	snap := h.snapshot.Load()

	requestID := h.newRequestID()
	ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
	clientID := clientRequestID(r.Header)
	if clientID != "" {
		ctx = context.WithValue(ctx, clientRequestIDContextKey{}, clientID)
	} else {
		clientID = requestID
	}
	r = r.WithContext(ctx)

	rec.Header().Set(HeaderRequestID, clientID)
	rec.Header().Set(HeaderAmznRequestID, requestID)
	snap.CORS.apply(rec.Header(), r.Method == http.MethodOptions)

	routeName := unmatchedRoute
	defer func() {
		if p := recover(); p != nil {
			h.metrics.RecordPanic(routeName)
			h.log.Logger().ErrorContext(ctx, "panic while serving request",
				"request_id", requestID,
				"route", routeName,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			if !rec.wroteHeader {
				status, code, message := errorStatus(&domain.InternalError{Stage: "handler", Err: fmt.Errorf("panic: %v", p)})
				writeErrorResponse(ctx, rec, status, code, message, requestID)
			}
		}
		duration := time.Since(start)
		h.metrics.RecordHTTPRequest(routeName, r.Method, rec.status(), duration)
		h.log.LogHTTPRequest(ctx, r.Method, r.URL.Path, routeName, rec.status(), duration)
	}()

	route, params, ok := snap.Resolve(r.URL.Path)
	if !ok {
		h.fail(ctx, rec, requestID, validationError(http.StatusNotFound, CodeRouteNotFound, "No route matches "+r.URL.Path))
		return
	}
	routeName = route.Name

	switch r.Method {
	case http.MethodOptions:
		rec.WriteHeader(http.StatusNoContent)
		return
	case route.Method:
	default:
		rec.Header().Set("Allow", route.Method+", "+http.MethodOptions)
		h.fail(ctx, rec, requestID, validationError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method "+r.Method+" is not allowed"))
		return
	}

	req, err := receive(rec, r, route)
	if err != nil {
		h.fail(ctx, rec, requestID, err)
		return
	}
	req.PathParams = params

	resp, err := h.bridge(ctx, r, route, req, requestID)
	if r.Context().Err() != nil {
		// The client is gone; the response has nowhere to go.
		h.log.Logger().InfoContext(ctx, "client disconnected, result discarded",
			"request_id", requestID,
			"route", route.Name,
		)
	}
	if err != nil {
		h.fail(ctx, rec, requestID, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			rec.Header().Add(k, v)
		}
	}
	rec.WriteHeader(resp.Status)
	if _, err := rec.Write(resp.Body); err != nil {
		h.log.Logger().DebugContext(ctx, "failed to write response body", "request_id", requestID, "error", err)
	}
}

// clientRequestID returns the inbound X-Request-ID when it is printable
// ASCII of bounded length, and "" otherwise.
func clientRequestID(header http.Header) string {
	id := strings.TrimSpace(header.Get(HeaderRequestID))
	if len(id) > maxRequestIDLength {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return ""
		}
	}
	return id
}

// receive reads and validates the inbound request against the route.
func receive(w http.ResponseWriter, r *http.Request, route *Route) (*domain.InboundRequest, error) {
	if !route.Passthrough && !route.accepts(r.Header.Get("Content-Type")) {
		return nil, validationError(http.StatusUnsupportedMediaType, CodeUnsupportedMedia, "Unsupported Media Type")
	}
	if r.ContentLength > route.MaxBodyBytes {
		return nil, validationError(http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "Request body too large")
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, route.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, validationError(http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "Request body too large")
			}
			return nil, validationError(http.StatusBadRequest, CodeInvalidBody, "Request body could not be read")
		}
	}

	req := &domain.InboundRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Body:    body,
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if doc, err := template.DecodeJSON(body); err == nil {
			req.Document = doc
			req.BodyValid = true
		}
	}

	if route.RequireBody {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, validationError(http.StatusBadRequest, CodeMissingBody, "Request body is required")
		}
		if !req.BodyValid {
			return nil, validationError(http.StatusBadRequest, CodeInvalidBody, "Request body must be valid JSON")
		}
	}
	return req, nil
}

// bridge renders the invocation, runs it and renders the classified result.
func (h *Handler) bridge(ctx context.Context, r *http.Request, route *Route, req *domain.InboundRequest, requestID string) (*domain.OutboundResponse, error) {
	// A disconnected client does not abort rendering or the invocation.
	ctx = context.WithoutCancel(ctx)

	payload, err := buildPayload(ctx, r, route, req, requestID)
	if err != nil {
		telemetry.RecordRenderFailure(ctx, route.Name, "request")
		return nil, err
	}

	invokeCtx, cancel := h.timeouts.WithInvocationTimeout(ctx)
	defer cancel()

	started := time.Now()
	result, err := h.invoker.StartSyncExecution(invokeCtx, payload)
	duration := time.Since(started)

	m := telemetry.InvocationMetrics{
		Route:     route.Name,
		Transport: h.transport,
		Status:    result.Status,
		Err:       err,
		Duration:  duration,
	}
	telemetry.RecordInvocation(ctx, m)
	h.metrics.RecordInvocation(route.Name, m.Outcome(), duration)
	h.log.LogInvocation(ctx, route.Name, m.Outcome(), duration, err)
	if err != nil {
		return nil, workflow.AsInvocationError(err)
	}

	c := route.Classify(result, requestID)
	if c.Failure != nil {
		h.log.Logger().InfoContext(ctx, "workflow did not succeed",
			"request_id", requestID,
			"route", route.Name,
			"status", string(c.Failure.Status),
			"error", c.Failure.Err,
		)
	}

	body, err := renderJSON(ctx, c.Template, c.Context)
	if err != nil {
		telemetry.RecordRenderFailure(ctx, route.Name, "response")
		return nil, &domain.InternalError{Stage: "render response", Err: err}
	}

	return &domain.OutboundResponse{
		Status:  c.Status,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    body,
	}, nil
}

// buildPayload renders the request template into a StartSyncExecution
// document. Any failure means the invocation could not be formed.
func buildPayload(ctx context.Context, r *http.Request, route *Route, req *domain.InboundRequest, requestID string) (domain.InvocationPayload, error) {
	data := template.Context{
		Input: template.RequestInput(req).WithPathParams(req.PathParams),
		Vars: map[string]any{
			"context":        requestContext(r, route, requestID),
			"stageVariables": stringMap(route.StageVariables),
		},
	}
	if route.RequireBody {
		data.Require = []string{"input"}
	}

	text, err := route.RequestTemplate.Execute(ctx, data)
	if err != nil {
		return domain.InvocationPayload{}, domain.NewInvocationError(domain.KindMalformedPayload, "", "request template failed to render", err)
	}

	var payload domain.InvocationPayload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return domain.InvocationPayload{}, domain.NewInvocationError(domain.KindMalformedPayload, "", "request template produced an invalid invocation", err)
	}
	if payload.StateMachineArn == "" {
		return domain.InvocationPayload{}, domain.NewInvocationError(domain.KindMalformedPayload, "", "request template produced no stateMachineArn", nil)
	}
	if payload.Input == "" {
		payload.Input = "{}"
	}
	if !json.Valid([]byte(payload.Input)) {
		return domain.InvocationPayload{}, domain.NewInvocationError(domain.KindMalformedPayload, "", "execution input is not valid JSON", nil)
	}
	return payload, nil
}

// renderJSON executes a response template and compacts its output. The
// body must be a single valid JSON document.
func renderJSON(ctx context.Context, t *template.Template, data template.Context) ([]byte, error) {
	text, err := t.Execute(ctx, data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, fmt.Errorf("response template %s produced invalid JSON: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

func requestContext(r *http.Request, route *Route, requestID string) map[string]any {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceIP = host
	}
	return map[string]any{
		"requestId":        requestID,
		"httpMethod":       r.Method,
		"path":             r.URL.Path,
		"resourcePath":     route.Path,
		"requestTimeEpoch": time.Now().UnixMilli(),
		"identity": map[string]any{
			"sourceIp":  sourceIP,
			"userAgent": r.UserAgent(),
		},
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID string, err error) {
	status, code, message := errorStatus(err)
	h.log.LogError(ctx, "request failed", status, err)
	writeErrorResponse(ctx, w, status, code, message, requestID)
}
