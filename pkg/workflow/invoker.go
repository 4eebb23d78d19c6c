// Package workflow defines the synchronous workflow invocation contract and
// the helpers shared by its transports.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-sfn/internal/governance"
	"github.com/polisai/polis-sfn/pkg/domain"
)

// Invoker starts a workflow execution and blocks until it reaches a
// terminal state. It returns either a result or a *domain.InvocationError,
// never both, and never retries.
type Invoker interface {
	StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error)

// StartSyncExecution implements Invoker.
func (f InvokerFunc) StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	return f(ctx, payload)
}

type timeoutInvoker struct {
	next    Invoker
	timeout time.Duration
}

// WithTimeout bounds every call to inv by d. A call still running at the
// deadline yields an InvocationError of kind timeout even if inv ignores
// its context. Errors that are not already InvocationErrors are classified
// as transport failures.
func WithTimeout(inv Invoker, d time.Duration) Invoker {
	if d <= 0 {
		d = governance.DefaultInvocationTimeout
	}
	return &timeoutInvoker{next: inv, timeout: d}
}

type outcome struct {
	result domain.ExecutionResult
	err    error
}

func (t *timeoutInvoker) StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &domain.InternalError{Stage: "invoke", Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		result, err := t.next.StartSyncExecution(ctx, payload)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.result, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ExecutionResult{}, governance.TimeoutError(t.timeout, o.err)
		}
		return domain.ExecutionResult{}, AsInvocationError(o.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ExecutionResult{}, governance.TimeoutError(t.timeout, ctx.Err())
		}
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "invocation cancelled", ctx.Err())
	}
}

// AsInvocationError returns err unchanged when it already carries an
// InvocationError or an InternalError and classifies it as a transport
// failure otherwise.
func AsInvocationError(err error) error {
	if err == nil {
		return nil
	}
	var invErr *domain.InvocationError
	if errors.As(err, &invErr) {
		return err
	}
	var internal *domain.InternalError
	if errors.As(err, &internal) {
		return err
	}
	kind := governance.ClassifyTransportError(err)
	return domain.NewInvocationError(kind, "", "workflow engine call failed", err)
}
