package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/telemetry"
)

const tracerName = "github.com/polisai/polis-sfn/pkg/workflow"

type instrumented struct {
	next      Invoker
	transport string
	tracer    trace.Tracer
}

// Instrument wraps inv in a client span that records the execution outcome.
func Instrument(inv Invoker, transport string) Invoker {
	return &instrumented{next: inv, transport: transport, tracer: otel.Tracer(tracerName)}
}

func (i *instrumented) StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	ctx, span := i.tracer.Start(ctx, "workflow.StartSyncExecution",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SpanAttributes(
			attribute.String("workflow.transport", i.transport),
			attribute.String("workflow.state_machine.arn", payload.StateMachineArn),
			attribute.String("workflow.execution.name", payload.Name),
			attribute.String("workflow.execution.input", payload.Input),
		)...),
	)
	defer span.End()

	result, err := i.next.StartSyncExecution(ctx, payload)
	if err != nil {
		telemetry.RecordInvocationError(span, err)
		return result, err
	}
	telemetry.RecordExecution(span, result)
	return result, nil
}
