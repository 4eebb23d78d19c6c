// Package telemetry wires OpenTelemetry tracing and invocation metrics for
// the gateway.
//
// It centralises trace provider setup and offers enrichment helpers that
// attach execution, invocation-error and authorization metadata to spans so
// operators can follow a request from the HTTP edge into the workflow.
package telemetry
