package domain

import (
	"net/http"
	"net/url"
	"time"
)

// ExecutionStatus is the terminal state reported by the workflow engine.
type ExecutionStatus string

const (
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusTimedOut  ExecutionStatus = "TIMED_OUT"
	StatusAborted   ExecutionStatus = "ABORTED"
)

// Succeeded reports whether the status is the single success state.
// Every other terminal state is treated as a workflow failure.
func (s ExecutionStatus) Succeeded() bool {
	return s == StatusSucceeded
}

// InboundRequest is the parsed client request. It is never mutated after
// the gateway builds it.
type InboundRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	// Body holds the raw bytes exactly as received.
	Body []byte
	// Document is the decoded JSON body when BodyValid is true.
	Document  any
	BodyValid bool
	// PathParams holds the values bound by {name} segments of the route path.
	PathParams map[string]string
}

// HasBody reports whether the client sent a non-empty body.
func (r *InboundRequest) HasBody() bool {
	return r != nil && len(r.Body) > 0
}

// InvocationPayload is the StartSyncExecution request document.
type InvocationPayload struct {
	Input           string `json:"input"`
	StateMachineArn string `json:"stateMachineArn"`
	Name            string `json:"name,omitempty"`
	TraceHeader     string `json:"traceHeader,omitempty"`
}

// ExecutionResult is the engine's terminal output for one invocation.
type ExecutionResult struct {
	ExecutionArn    string          `json:"executionArn,omitempty"`
	StateMachineArn string          `json:"stateMachineArn,omitempty"`
	Name            string          `json:"name,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Input           string          `json:"input,omitempty"`
	Output          string          `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Cause           string          `json:"cause,omitempty"`
	StartDate       *EpochTime      `json:"startDate,omitempty"`
	StopDate        *EpochTime      `json:"stopDate,omitempty"`
}

// OutboundResponse is what the gateway writes back to the client.
type OutboundResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// EpochTime marshals as fractional epoch seconds, the wire format used by the
// StartSyncExecution API.
type EpochTime struct {
	time.Time
}

// NewEpochTime wraps t.
func NewEpochTime(t time.Time) *EpochTime {
	return &EpochTime{Time: t}
}
