// Package governance bounds workflow invocations in time and classifies
// transport failures for the invoker transports.
//
// Invocations are detached from the inbound request's cancellation: a
// client that disconnects does not abort the workflow call, whose result is
// simply discarded. Only the configured deadline ends an invocation early.
package governance
