package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// Invocation outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	invocationCounter      metric.Int64Counter
	workflowFailureCounter metric.Int64Counter
	invocationErrorCounter metric.Int64Counter
	invocationTimeoutCount metric.Int64Counter
	invocationLatencyHisto metric.Float64Histogram
	renderFailureCounter   metric.Int64Counter
)

// InvocationMetrics captures the fields needed to record one workflow invocation.
type InvocationMetrics struct {
	Route     string
	Transport string
	// Status is the execution status when the workflow ran.
	Status domain.ExecutionStatus
	// Err is the invocation error when it did not.
	Err      error
	Duration time.Duration
}

// Outcome collapses the invocation into succeeded, failed or rejected.
func (m InvocationMetrics) Outcome() string {
	switch {
	case m.Err != nil:
		return OutcomeRejected
	case m.Status.Succeeded():
		return OutcomeSucceeded
	default:
		return OutcomeFailed
	}
}

// RecordInvocation emits counters and histograms that describe an invocation.
func RecordInvocation(ctx context.Context, m InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := m.Outcome()
	attrs := []attribute.KeyValue{
		attribute.String("route", m.Route),
		attribute.String("transport", m.Transport),
		attribute.String("outcome", outcome),
	}

	invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		invocationLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch outcome {
	case OutcomeFailed:
		workflowFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", m.Route),
			attribute.String("status", string(m.Status)),
		))
	case OutcomeRejected:
		kind := string(domain.KindUnavailable)
		if invErr, ok := asInvocationError(m.Err); ok {
			kind = string(invErr.Kind)
		}
		invocationErrorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", m.Route),
			attribute.String("kind", kind),
		))
		if kind == string(domain.KindTimeout) {
			invocationTimeoutCount.Add(ctx, 1, metric.WithAttributes(attribute.String("route", m.Route)))
		}
	}
}

// RecordRenderFailure counts a template that failed to render or produced
// invalid JSON. stage is "request" or "response".
func RecordRenderFailure(ctx context.Context, route, stage string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	renderFailureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("stage", stage),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("sfn.gateway")

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"sfn.invocations_total",
			metric.WithDescription("Workflow invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		workflowFailureCounter, metricsInitErr = meter.Int64Counter(
			"sfn.workflow.failures_total",
			metric.WithDescription("Workflows that ran and finished unsuccessfully"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationErrorCounter, metricsInitErr = meter.Int64Counter(
			"sfn.invocation.errors_total",
			metric.WithDescription("Invocations rejected by or never delivered to the engine"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationTimeoutCount, metricsInitErr = meter.Int64Counter(
			"sfn.invocation.timeout_total",
			metric.WithDescription("Invocations that exceeded the invocation timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		renderFailureCounter, metricsInitErr = meter.Int64Counter(
			"sfn.template.render_failures_total",
			metric.WithDescription("Mapping templates that failed to render valid JSON"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"sfn.invocation.duration_ms",
			metric.WithDescription("Observed synchronous invocation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

func asInvocationError(err error) (*domain.InvocationError, bool) {
	var invErr *domain.InvocationError
	if errors.As(err, &invErr) {
		return invErr, true
	}
	return nil, false
}

// resetInstruments drops cached instruments so the next record call binds
// to the current global MeterProvider.
func resetInstruments() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	invocationCounter = nil
	workflowFailureCounter = nil
	invocationErrorCounter = nil
	invocationTimeoutCount = nil
	invocationLatencyHisto = nil
	renderFailureCounter = nil
}
