package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-sfn/pkg/domain"
)

func TestWithTimeout_PassesResultThrough(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(ctx context.Context, p domain.InvocationPayload) (domain.ExecutionResult, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return domain.ExecutionResult{Status: domain.StatusSucceeded, Output: p.Input}, nil
	}), time.Second)

	result, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{Input: `{"a":1}`})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, result.Output)
}

func TestWithTimeout_FailedWorkflowIsNotAnError(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Status: domain.StatusFailed, Error: "E", Cause: "C"}, nil
	}), time.Second)

	result, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
}

func TestWithTimeout_InvokerIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	inv := WithTimeout(InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		<-release
		return domain.ExecutionResult{Status: domain.StatusSucceeded}, nil
	}), 20*time.Millisecond)

	start := time.Now()
	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var invErr *domain.InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, domain.KindTimeout, invErr.Kind)
	assert.ErrorIs(t, err, domain.ErrInvocationTimeout)
}

func TestWithTimeout_ContextAwareInvoker(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(ctx context.Context, _ domain.InvocationPayload) (domain.ExecutionResult, error) {
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}), 10*time.Millisecond)

	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	assert.ErrorIs(t, err, domain.ErrInvocationTimeout)
}

func TestWithTimeout_ClassifiesPlainErrors(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, errors.New("dial tcp: connection refused")
	}), time.Second)

	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
}

func TestWithTimeout_KeepsInvocationErrors(t *testing.T) {
	denied := domain.NewInvocationError(domain.KindAuthorization, ErrTypeAccessDenied, "denied", nil)
	inv := WithTimeout(InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, denied
	}), time.Second)

	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	assert.Same(t, denied, err)
}

func TestWithTimeout_RecoversInvokerPanic(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(context.Context, domain.InvocationPayload) (domain.ExecutionResult, error) {
		panic("boom")
	}), time.Second)

	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)

	var internal *domain.InternalError
	require.True(t, errors.As(err, &internal))
	assert.Equal(t, "invoke", internal.Stage)
	assert.Same(t, err, AsInvocationError(err))
}

func TestWithTimeout_DefaultsNonPositiveDuration(t *testing.T) {
	inv := WithTimeout(InvokerFunc(func(ctx context.Context, _ domain.InvocationPayload) (domain.ExecutionResult, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Greater(t, time.Until(deadline), 20*time.Second)
		return domain.ExecutionResult{Status: domain.StatusSucceeded}, nil
	}), 0)

	_, err := inv.StartSyncExecution(context.Background(), domain.InvocationPayload{})
	require.NoError(t, err)
}

func TestEngineError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errorType string
		want      domain.InvocationErrorKind
		wantCode  string
	}{
		{name: "namespaced validation", status: 400, errorType: "com.amazonaws.states#ValidationException", want: domain.KindMalformedPayload, wantCode: "ValidationException"},
		{name: "invalid input", status: 400, errorType: "InvalidExecutionInput", want: domain.KindMalformedPayload, wantCode: "InvalidExecutionInput"},
		{name: "access denied", status: 400, errorType: "AccessDeniedException", want: domain.KindAuthorization, wantCode: "AccessDeniedException"},
		{name: "amzn header form", status: 403, errorType: "UnrecognizedClientException:http://internal", want: domain.KindAuthorization, wantCode: "UnrecognizedClientException"},
		{name: "throttled", status: 400, errorType: "ThrottlingException", want: domain.KindThrottled, wantCode: "ThrottlingException"},
		{name: "status 429", status: 429, want: domain.KindThrottled},
		{name: "status 401", status: 401, want: domain.KindAuthorization},
		{name: "status 504", status: 504, want: domain.KindTimeout},
		{name: "status 500", status: 500, errorType: "Weird", want: domain.KindUnavailable, wantCode: "Weird"},
		{name: "status 404", status: 404, want: domain.KindMalformedPayload},
		{name: "no status", status: 0, errorType: "Mystery", want: domain.KindUnavailable, wantCode: "Mystery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EngineError(tt.status, tt.errorType, "")
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestErrorTypeAndStatusRoundTrip(t *testing.T) {
	kinds := []domain.InvocationErrorKind{
		domain.KindAuthorization, domain.KindMalformedPayload, domain.KindThrottled,
		domain.KindTimeout, domain.KindUnavailable,
	}
	for _, kind := range kinds {
		invErr := domain.NewInvocationError(kind, "", "x", nil)
		back := EngineError(StatusFor(invErr), ErrorTypeFor(invErr), "x")
		assert.Equal(t, kind, back.Kind, "kind %s", kind)
	}
}
