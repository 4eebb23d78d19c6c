package telemetry

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// RecordExecution annotates the span with the terminal state of a workflow
// execution. Input and output pass through the span redaction policy, which
// drops them unless configured otherwise.
func RecordExecution(span trace.Span, result domain.ExecutionResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("workflow.execution.status", string(result.Status)),
	}
	if result.ExecutionArn != "" {
		attrs = append(attrs, attribute.String("workflow.execution.arn", result.ExecutionArn))
	}
	if result.StateMachineArn != "" {
		attrs = append(attrs, attribute.String("workflow.state_machine.arn", result.StateMachineArn))
	}
	if result.StartDate != nil && result.StopDate != nil {
		attrs = append(attrs, attribute.Int64("workflow.execution.billed_ms",
			result.StopDate.Sub(result.StartDate.Time).Milliseconds()))
	}
	if result.Input != "" {
		attrs = append(attrs, attribute.String("workflow.execution.input", result.Input))
	}
	if result.Output != "" {
		attrs = append(attrs, attribute.String("workflow.execution.output", result.Output))
	}
	span.SetAttributes(SpanAttributes(attrs...)...)

	if failure := result.Failure(); failure != nil {
		// Failed workflows leave the span status unset.
		span.AddEvent("workflow.failed", trace.WithAttributes(SpanAttributes(
			attribute.String("workflow.error", failure.Err),
			attribute.String("workflow.cause", failure.Cause),
		)...))
	}
}

// RecordInvocationError marks the span as failed with the invocation error
// kind and engine error code.
func RecordInvocationError(span trace.Span, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}

	var invErr *domain.InvocationError
	if errors.As(err, &invErr) {
		attrs := []attribute.KeyValue{attribute.String("workflow.invocation.error_kind", string(invErr.Kind))}
		if invErr.Code != "" {
			attrs = append(attrs, attribute.String("workflow.invocation.error_code", invErr.Code))
		}
		span.SetAttributes(SpanAttributes(attrs...)...)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "workflow invocation failed")
}

// RecordAuthorizationDecision annotates the span with an authorizer outcome.
func RecordAuthorizationDecision(span trace.Span, allowed bool, action, resource, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("authz.allowed", allowed),
		attribute.String("authz.action", action),
		attribute.String("authz.resource", resource),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("authz.reason", reason))
	}
	span.SetAttributes(SpanAttributes(attrs...)...)
	if !allowed {
		span.AddEvent("authz.denied")
	}
}
