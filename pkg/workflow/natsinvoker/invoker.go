// Package natsinvoker carries StartSyncExecution calls over NATS
// request/reply.
package natsinvoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/workflow"
)

const (
	// DefaultSubject is the subject used when none is configured.
	DefaultSubject = "sfn.start-sync-execution"
	// DefaultMaxInFlight bounds the requests one subscription serves at once.
	DefaultMaxInFlight = 256
)

// Reply is the message an engine answers with. ErrorType is set when the
// engine rejected the invocation; otherwise the embedded result is used.
type Reply struct {
	domain.ExecutionResult
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Requester is the subset of *nats.Conn used by the invoker.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Invoker sends each payload to a subject and waits for a single reply.
type Invoker struct {
	conn    Requester
	subject string
}

// New builds an invoker publishing on subject.
func New(conn Requester, subject string) (*Invoker, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nats connection is required", domain.ErrConfigInvalid)
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	if strings.ContainsAny(subject, " \t*>") {
		return nil, fmt.Errorf("%w: invalid nats subject %q", domain.ErrConfigInvalid, subject)
	}
	return &Invoker{conn: conn, subject: subject}, nil
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// StartSyncExecution implements workflow.Invoker.
func (i *Invoker) StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeSerialization, "payload could not be encoded", err)
	}

	msg := nats.NewMsg(i.subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	reply, err := i.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return domain.ExecutionResult{}, mapNATSError(err)
	}
	return decodeReply(reply.Data)
}

func decodeReply(data []byte) (domain.ExecutionResult, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "engine returned an unreadable reply", err)
	}
	if r.ErrorType != "" {
		return domain.ExecutionResult{}, workflow.EngineError(0, r.ErrorType, r.Message)
	}
	if r.Status == "" {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "engine reply has no status", errors.New("missing status"))
	}
	return r.ExecutionResult, nil
}

func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.NewInvocationError(domain.KindTimeout, "", "no reply before the deadline", err)
	case errors.Is(err, nats.ErrNoResponders):
		return domain.NewInvocationError(domain.KindUnavailable, "", "no engine is subscribed", err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrDisconnected):
		return domain.NewInvocationError(domain.KindUnavailable, "", "nats connection closed", err)
	default:
		return workflow.AsInvocationError(err)
	}
}

// Serve answers StartSyncExecution requests on subject with inv. Each
// request runs on its own goroutine, at most DefaultMaxInFlight at a time.
// The returned subscription stays active until unsubscribed.
func Serve(nc *nats.Conn, subject string, inv workflow.Invoker, timeout time.Duration, logger *slog.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	d := newDispatcher(inv, timeout, DefaultMaxInFlight, logger)
	d.subject = subject
	return nc.Subscribe(subject, d.dispatch)
}

// dispatcher fans subscription messages out to bounded worker goroutines.
// NATS delivers one message at a time per subscription, so Handle must not
// run on the delivery goroutine.
type dispatcher struct {
	inv     workflow.Invoker
	timeout time.Duration
	logger  *slog.Logger
	subject string
	sem     chan struct{}
	respond func(m *nats.Msg, data []byte) error
}

func newDispatcher(inv workflow.Invoker, timeout time.Duration, maxInFlight int, logger *slog.Logger) *dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &dispatcher{
		inv:     inv,
		timeout: timeout,
		logger:  logger,
		sem:     make(chan struct{}, maxInFlight),
		respond: func(m *nats.Msg, data []byte) error { return m.Respond(data) },
	}
}

// dispatch blocks while the dispatcher is saturated, leaving further
// messages pending in the subscription.
func (d *dispatcher) dispatch(m *nats.Msg) {
	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		data := Handle(context.Background(), m, d.inv, d.timeout)
		if err := d.respond(m, data); err != nil {
			d.logger.Warn("nats reply failed", "subject", d.subject, "error", err)
		}
	}()
}

// Handle runs one request message through inv and returns the encoded reply.
func Handle(ctx context.Context, m *nats.Msg, inv workflow.Invoker, timeout time.Duration) []byte {
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(m.Header)))
	}

	var payload domain.InvocationPayload
	if err := json.Unmarshal(m.Data, &payload); err != nil {
		return encodeReply(Reply{ErrorType: workflow.ErrTypeSerialization, Message: "request is not valid JSON"})
	}

	result, err := workflow.WithTimeout(inv, timeout).StartSyncExecution(ctx, payload)
	if err != nil {
		var invErr *domain.InvocationError
		if !errors.As(err, &invErr) {
			invErr = domain.NewInvocationError(domain.KindUnavailable, "", err.Error(), err)
		}
		return encodeReply(Reply{ErrorType: workflow.ErrorTypeFor(invErr), Message: invErr.Message})
	}
	return encodeReply(Reply{ExecutionResult: result})
}

func encodeReply(r Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"errorType":"InternalFailure","message":"reply could not be encoded"}`)
	}
	return data
}
