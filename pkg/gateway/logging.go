package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger writes the gateway's request and invocation logs
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogHTTPRequest logs the outcome of one request
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path, route string, statusCode int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.String("route", route),
		slog.Int("status", statusCode),
		slog.Duration("duration", duration),
	}
	attrs = appendCorrelation(ctx, attrs)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

// LogInvocation logs a completed or rejected workflow invocation. Inputs
// and outputs are never logged.
func (sl *StructuredLogger) LogInvocation(ctx context.Context, route, outcome string, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("route", route),
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = appendCorrelation(ctx, attrs)

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Workflow invocation", attrs...)
}

// LogError logs a failure that produced an error response
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, status int, err error) {
	attrs := []slog.Attr{
		slog.Int("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = appendCorrelation(ctx, attrs)

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, msg, attrs...)
}

// Logger exposes the underlying slog logger
func (sl *StructuredLogger) Logger() *slog.Logger {
	return sl.logger
}

// appendCorrelation adds the request ids carried by ctx and the active span.
func appendCorrelation(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id := ClientRequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("client_request_id", id))
	}
	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := getSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}
	return attrs
}

func getTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func getSpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
