package natsinvoker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/workflow"
)

// fakeConn answers requests in process by running them through Handle.
type fakeConn struct {
	inv     workflow.Invoker
	err     error
	raw     []byte
	subject string
}

func (f *fakeConn) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	f.subject = msg.Subject
	if f.err != nil {
		return nil, f.err
	}
	if f.raw != nil {
		return &nats.Msg{Data: f.raw}, nil
	}
	return &nats.Msg{Data: Handle(ctx, msg, f.inv, time.Second)}, nil
}

func succeed(output string) workflow.Invoker {
	return workflow.InvokerFunc(func(_ context.Context, p domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Status: domain.StatusSucceeded, StateMachineArn: p.StateMachineArn, Input: p.Input, Output: output}, nil
	})
}

func TestInvoker_RoundTrip(t *testing.T) {
	conn := &fakeConn{inv: succeed(`{"done":true}`)}
	inv, err := New(conn, "")
	require.NoError(t, err)

	result, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{
		Input:           `{"actionType":"create"}`,
		StateMachineArn: "arn:aws:states:us-east-1:123456789012:stateMachine:Sync",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, conn.subject)
	assert.Equal(t, domain.StatusSucceeded, result.Status)
	assert.Equal(t, `{"done":true}`, result.Output)
	assert.Equal(t, `{"actionType":"create"}`, result.Input)
}

func TestInvoker_EngineRejection(t *testing.T) {
	conn := &fakeConn{inv: workflow.InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindAuthorization, workflow.ErrTypeAccessDenied, "role may not start this machine", nil)
	})}
	inv, err := New(conn, "engine.sync")
	require.NoError(t, err)

	_, err = inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	var invErr *domain.InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, domain.KindAuthorization, invErr.Kind)
	assert.Equal(t, workflow.ErrTypeAccessDenied, invErr.Code)
	assert.Equal(t, "role may not start this machine", invErr.Message)
}

func TestInvoker_TransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", nats.ErrTimeout, domain.ErrInvocationTimeout},
		{"deadline", context.DeadlineExceeded, domain.ErrInvocationTimeout},
		{"no responders", nats.ErrNoResponders, domain.ErrEngineUnavailable},
		{"closed", nats.ErrConnectionClosed, domain.ErrEngineUnavailable},
		{"other", errors.New("boom"), domain.ErrEngineUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := New(&fakeConn{err: tt.err}, "")
			require.NoError(t, err)
			_, err = inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, domain.ErrInvocation)
		})
	}
}

func TestInvoker_BadReplies(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"executionArn":"x"}`} {
		inv, err := New(&fakeConn{raw: []byte(raw)}, "")
		require.NoError(t, err)
		_, err = inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
		assert.ErrorIs(t, err, domain.ErrEngineUnavailable, raw)
	}

	inv, err := New(&fakeConn{raw: []byte(`{"errorType":"com.amazonaws.states#ThrottlingException","message":"slow down"}`)}, "")
	require.NoError(t, err)
	_, err = inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	assert.ErrorIs(t, err, domain.ErrThrottled)
}

func TestHandle_FailedWorkflowIsAResult(t *testing.T) {
	inv := workflow.InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Status: domain.StatusFailed, Error: "Oops", Cause: "it broke"}, nil
	})
	data := Handle(context.Background(), &nats.Msg{Data: []byte(`{"input":"{}","stateMachineArn":"arn"}`)}, inv, time.Second)

	var reply Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Empty(t, reply.ErrorType)
	assert.Equal(t, domain.StatusFailed, reply.Status)
	assert.Equal(t, "Oops", reply.Error)
}

func TestHandle_Timeout(t *testing.T) {
	slow := workflow.InvokerFunc(func(ctx context.Context, _ domain.InvocationPayload) (domain.ExecutionResult, error) {
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	})
	data := Handle(context.Background(), &nats.Msg{Data: []byte(`{}`)}, slow, 10*time.Millisecond)

	var reply Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, workflow.ErrTypeRequestTimeout, reply.ErrorType)
}

func TestHandle_InvalidRequest(t *testing.T) {
	data := Handle(context.Background(), &nats.Msg{Data: []byte(`{`)}, succeed(""), time.Second)
	assert.Contains(t, string(data), workflow.ErrTypeSerialization)
}

// concurrencyTracker blocks every call for delay and records the highest
// number of calls in flight at once.
type concurrencyTracker struct {
	delay   time.Duration
	current atomic.Int32
	max     atomic.Int32
}

func (c *concurrencyTracker) StartSyncExecution(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
	n := c.current.Add(1)
	defer c.current.Add(-1)
	for {
		seen := c.max.Load()
		if n <= seen || c.max.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(c.delay)
	return domain.ExecutionResult{Status: domain.StatusSucceeded, Output: `{}`}, nil
}

func dispatchAll(t *testing.T, d *dispatcher, n int) [][]byte {
	t.Helper()
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		replies [][]byte
	)
	wg.Add(n)
	d.respond = func(_ *nats.Msg, data []byte) error {
		mu.Lock()
		replies = append(replies, data)
		mu.Unlock()
		wg.Done()
		return nil
	}
	for i := 0; i < n; i++ {
		d.dispatch(&nats.Msg{Data: []byte(`{"input":"{}","stateMachineArn":"arn"}`)})
	}
	wg.Wait()
	return replies
}

func TestDispatcher_ServesRequestsConcurrently(t *testing.T) {
	tracker := &concurrencyTracker{delay: 200 * time.Millisecond}
	d := newDispatcher(tracker, time.Second, DefaultMaxInFlight, nil)

	start := time.Now()
	replies := dispatchAll(t, d, 4)
	elapsed := time.Since(start)

	require.Len(t, replies, 4)
	for _, data := range replies {
		var reply Reply
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.Equal(t, domain.StatusSucceeded, reply.Status)
	}
	assert.Equal(t, int32(4), tracker.max.Load())
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestDispatcher_BoundsInFlightRequests(t *testing.T) {
	tracker := &concurrencyTracker{delay: 50 * time.Millisecond}
	d := newDispatcher(tracker, time.Second, 2, nil)

	replies := dispatchAll(t, d, 6)

	require.Len(t, replies, 6)
	assert.Equal(t, int32(2), tracker.max.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "x")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = New(&fakeConn{}, "sfn.*")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
