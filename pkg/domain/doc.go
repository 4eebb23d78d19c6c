// Package domain defines the core types exchanged across the synchronous
// workflow bridge.
//
// This package has ZERO dependencies outside the Go standard library. It
// describes the request that arrives at the gateway, the payload sent to the
// workflow engine, the engine's terminal result, and the error taxonomy that
// every layer maps onto an HTTP response:
//
//	InboundRequest → InvocationPayload → ExecutionResult → OutboundResponse
//
// Infrastructure packages (template, workflow, gateway) depend on these
// types; the reverse dependency is forbidden.
package domain
