package governance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// ErrInvocationTimeout is returned when an invocation exceeds its deadline.
var ErrInvocationTimeout = errors.New("invocation timeout exceeded")

// DefaultInvocationTimeout matches the upper bound of a synchronous API
// integration.
const DefaultInvocationTimeout = 29 * time.Second

// serverMargin is added on top of the invocation timeout when deriving HTTP
// server timeouts, leaving room to render and write the response.
const serverMargin = 5 * time.Second

// TimeoutConfig defines timeout behavior for invocations and the HTTP server
// fronting them.
type TimeoutConfig struct {
	// InvocationTimeout is the maximum duration of one workflow call.
	InvocationTimeout time.Duration
	// ReadTimeout bounds reading the inbound request.
	ReadTimeout time.Duration
	// WriteTimeout bounds the whole handler, including the invocation.
	WriteTimeout time.Duration
	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		InvocationTimeout: DefaultInvocationTimeout,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      DefaultInvocationTimeout + serverMargin,
		IdleTimeout:       60 * time.Second,
	}
}

// TimeoutManager enforces timeout policies on invocations.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config.InvocationTimeout <= 0 {
		config.InvocationTimeout = defaults.InvocationTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	// The server must outlive the invocation or the client sees a reset
	// instead of a 504.
	if floor := config.InvocationTimeout + serverMargin; config.WriteTimeout < floor {
		config.WriteTimeout = floor
	}

	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// Validate reports whether a configuration is usable as-is.
func (c TimeoutConfig) Validate() error {
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("invocation timeout must be positive")
	}
	if c.WriteTimeout != 0 && c.WriteTimeout <= c.InvocationTimeout {
		return fmt.Errorf("write timeout (%s) must exceed invocation timeout (%s)", c.WriteTimeout, c.InvocationTimeout)
	}
	return nil
}

// WithInvocationTimeout returns a context for one invocation. It keeps the
// values of ctx (trace span, request id) but not its cancellation, and is
// bounded by the invocation timeout.
func (tm *TimeoutManager) WithInvocationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return Detach(ctx, tm.config.InvocationTimeout)
}

// Detach derives a context that ignores the parent's cancellation and
// expires after d.
func Detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// TimeoutError converts an expired invocation deadline into the domain
// timeout error.
func TimeoutError(d time.Duration, err error) *domain.InvocationError {
	return domain.NewInvocationError(domain.KindTimeout, "",
		fmt.Sprintf("workflow did not complete within %s", d),
		fmt.Errorf("%w: %v", ErrInvocationTimeout, err))
}

// ClassifyTransportError maps a failure to reach the engine onto an
// invocation error kind.
func ClassifyTransportError(err error) domain.InvocationErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindTimeout
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "timed out"} {
		if strings.Contains(errStr, pattern) {
			return domain.KindTimeout
		}
	}
	return domain.KindUnavailable
}
