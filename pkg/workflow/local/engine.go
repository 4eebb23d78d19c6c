package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/template"
	"github.com/polisai/polis-sfn/pkg/workflow"
)

const (
	tracerName = "github.com/polisai/polis-sfn/pkg/workflow/local"

	// DefaultMaxTransitions caps the states visited by one execution.
	DefaultMaxTransitions = 1000
	// MaxInputBytes is the largest accepted execution input.
	MaxInputBytes = 256 * 1024

	errStatesRuntime = "States.Runtime"
)

// LogLevel selects which execution events are logged.
type LogLevel string

const (
	LogAll   LogLevel = "ALL"
	LogError LogLevel = "ERROR"
	LogFatal LogLevel = "FATAL"
	LogOff   LogLevel = "OFF"
)

type severity int

const (
	sevInfo severity = iota
	sevError
	sevFatal
)

func (l LogLevel) enabled(sev severity) bool {
	switch l {
	case LogAll:
		return true
	case LogError:
		return sev >= sevError
	case LogFatal:
		return sev >= sevFatal
	default:
		return false
	}
}

// ParseLogLevel accepts ALL, ERROR, FATAL and OFF in any case. Empty means OFF.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToUpper(strings.TrimSpace(s))); l {
	case LogAll, LogError, LogFatal, LogOff:
		return l, nil
	case "":
		return LogOff, nil
	default:
		return "", fmt.Errorf("%w: unknown execution log level %q", domain.ErrConfigInvalid, s)
	}
}

// LoggingConfig controls execution event logging for one machine.
type LoggingConfig struct {
	Level                LogLevel
	IncludeExecutionData bool
}

// Machine is a registered state machine.
type Machine struct {
	Arn        string
	Definition *Definition
	Logging    LoggingConfig
}

// Name returns the last ARN segment.
func (m *Machine) Name() string {
	if i := strings.LastIndexByte(m.Arn, ':'); i >= 0 {
		return m.Arn[i+1:]
	}
	return m.Arn
}

// Options configure an Engine.
type Options struct {
	Machines []Machine
	// Authorizer gates every execution. Nil allows all principals.
	Authorizer     *Authorizer
	Logger         *slog.Logger
	MaxTransitions int
}

// Engine runs EXPRESS executions synchronously. It holds no per-execution
// state and is safe for concurrent use.
type Engine struct {
	machines       map[string]*Machine
	authz          *Authorizer
	logger         *slog.Logger
	tracer         trace.Tracer
	maxTransitions int
	now            func() time.Time
}

// NewEngine validates and registers the machines.
func NewEngine(opts Options) (*Engine, error) {
	if len(opts.Machines) == 0 {
		return nil, fmt.Errorf("%w: at least one state machine is required", domain.ErrConfigInvalid)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTransitions := opts.MaxTransitions
	if maxTransitions <= 0 {
		maxTransitions = DefaultMaxTransitions
	}

	machines := make(map[string]*Machine, len(opts.Machines))
	for i := range opts.Machines {
		m := opts.Machines[i]
		if err := validateMachineArn(m.Arn); err != nil {
			return nil, fmt.Errorf("%w: machine %d: %v", domain.ErrConfigInvalid, i, err)
		}
		if _, dup := machines[m.Arn]; dup {
			return nil, fmt.Errorf("%w: duplicate state machine %s", domain.ErrConfigInvalid, m.Arn)
		}
		if m.Definition == nil {
			def, err := ParseDefinition([]byte(DefaultDefinition))
			if err != nil {
				return nil, err
			}
			m.Definition = def
		} else if err := m.Definition.Validate(); err != nil {
			return nil, fmt.Errorf("machine %s: %w", m.Arn, err)
		}
		if m.Logging.Level == "" {
			m.Logging.Level = LogOff
		}
		machines[m.Arn] = &m
	}

	return &Engine{
		machines:       machines,
		authz:          opts.Authorizer,
		logger:         logger,
		tracer:         otel.Tracer(tracerName),
		maxTransitions: maxTransitions,
		now:            time.Now,
	}, nil
}

// Invoker binds the engine to a principal.
func (e *Engine) Invoker(principal string) workflow.Invoker {
	return workflow.InvokerFunc(func(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
		return e.StartSyncExecution(ctx, principal, payload)
	})
}

// StartSyncExecution authorizes principal, validates the payload and runs
// the machine to completion.
func (e *Engine) StartSyncExecution(ctx context.Context, principal string, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "local.StartSyncExecution",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("workflow.state_machine.arn", payload.StateMachineArn)),
	)
	defer span.End()

	if e.authz != nil {
		decision, err := e.authz.Authorize(ctx, principal, ActionStartSyncExecution, payload.StateMachineArn)
		if err != nil {
			return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, workflow.ErrTypeInternalFailure, "authorization could not be evaluated", err)
		}
		if !decision.Allowed {
			return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindAuthorization, workflow.ErrTypeAccessDenied,
				fmt.Sprintf("User: %s is not authorized to perform: %s on resource: %s", principal, ActionStartSyncExecution, payload.StateMachineArn), nil)
		}
	}

	if err := validateMachineArn(payload.StateMachineArn); err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeInvalidArn, err.Error(), nil)
	}
	machine, ok := e.machines[payload.StateMachineArn]
	if !ok {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeStateMachineNotFound,
			"State Machine Does Not Exist: '"+payload.StateMachineArn+"'", nil)
	}

	name := payload.Name
	if name == "" {
		name = uuid.NewString()
	} else if err := validateExecutionName(name); err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeInvalidName, err.Error(), nil)
	}

	rawInput := payload.Input
	if strings.TrimSpace(rawInput) == "" {
		rawInput = "{}"
	}
	if len(rawInput) > MaxInputBytes {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeInvalidExecutionIn,
			fmt.Sprintf("execution input exceeds %d bytes", MaxInputBytes), nil)
	}
	input, err := template.DecodeJSON([]byte(rawInput))
	if err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeInvalidExecutionIn,
			"Invalid State Machine Execution Input: "+err.Error(), nil)
	}

	exec := &execution{
		engine:  e,
		machine: machine,
		arn:     expressExecutionArn(machine.Arn, name),
	}
	return exec.run(ctx, name, rawInput, input)
}

type execution struct {
	engine  *Engine
	machine *Machine
	arn     string
}

func (x *execution) run(ctx context.Context, name, rawInput string, input any) (domain.ExecutionResult, error) {
	start := x.engine.now()
	result := domain.ExecutionResult{
		ExecutionArn:    x.arn,
		StateMachineArn: x.machine.Arn,
		Name:            name,
		Input:           rawInput,
		StartDate:       domain.NewEpochTime(start),
	}
	x.event(ctx, sevInfo, "ExecutionStarted", "", "input", rawInput)

	def := x.machine.Definition
	current := def.StartAt
	doc := input

	for transitions := 0; ; transitions++ {
		if err := ctx.Err(); err != nil {
			x.event(ctx, sevFatal, "ExecutionAborted", current)
			return domain.ExecutionResult{}, workflow.AsInvocationError(err)
		}
		if transitions >= x.engine.maxTransitions {
			return x.fail(ctx, result, current, errStatesRuntime,
				fmt.Sprintf("execution exceeded %d state transitions", x.engine.maxTransitions)), nil
		}

		state := def.States[current]
		x.event(ctx, sevInfo, state.Type+"StateEntered", current, "input", docText(doc))

		switch state.Type {
		case StateFail:
			return x.fail(ctx, result, current, state.Error, state.Cause), nil

		case StateSucceed:
			out, err := applyInputOutput(state, doc)
			if err != nil {
				return x.fail(ctx, result, current, errStatesRuntime, err.Error()), nil
			}
			x.event(ctx, sevInfo, "SucceedStateExited", current, "output", docText(out))
			return x.succeed(ctx, result, out)

		case StatePass:
			out, err := applyPass(state, doc)
			if err != nil {
				return x.fail(ctx, result, current, errStatesRuntime, err.Error()), nil
			}
			x.event(ctx, sevInfo, "PassStateExited", current, "output", docText(out))
			if state.End {
				return x.succeed(ctx, result, out)
			}
			doc = out
			current = state.Next
		}
	}
}

func (x *execution) succeed(ctx context.Context, result domain.ExecutionResult, out any) (domain.ExecutionResult, error) {
	text, err := encodeDocument(out)
	if err != nil {
		return x.fail(ctx, result, "", errStatesRuntime, "output could not be encoded: "+err.Error()), nil
	}
	result.Status = domain.StatusSucceeded
	result.Output = text
	result.StopDate = domain.NewEpochTime(x.engine.now())
	x.event(ctx, sevInfo, "ExecutionSucceeded", "", "output", text)
	return result, nil
}

func (x *execution) fail(ctx context.Context, result domain.ExecutionResult, state, errName, cause string) domain.ExecutionResult {
	x.event(ctx, sevFatal, "ExecutionFailed", state, "error", errName, "cause", cause)
	result.Status = domain.StatusFailed
	result.Error = errName
	result.Cause = cause
	result.StopDate = domain.NewEpochTime(x.engine.now())
	return result
}

// event logs an execution history event when the machine's log level
// admits it. Input and output attributes are dropped unless execution data
// is included.
func (x *execution) event(ctx context.Context, sev severity, eventType, state string, data ...string) {
	cfg := x.machine.Logging
	if !cfg.Level.enabled(sev) {
		return
	}

	attrs := []any{
		slog.String("event", eventType),
		slog.String("execution_arn", x.arn),
		slog.String("state_machine_arn", x.machine.Arn),
	}
	if state != "" {
		attrs = append(attrs, slog.String("state", state))
	}
	for i := 0; i+1 < len(data); i += 2 {
		key := data[i]
		if (key == "input" || key == "output") && !cfg.IncludeExecutionData {
			continue
		}
		attrs = append(attrs, slog.String(key, data[i+1]))
	}

	level := slog.LevelInfo
	if sev >= sevError {
		level = slog.LevelError
	}
	x.engine.logger.Log(ctx, level, "execution event", attrs...)
}

func applyInputOutput(state *State, doc any) (any, error) {
	effective, err := selectPath(doc, state.InputPath, state.discardInput, "InputPath")
	if err != nil {
		return nil, err
	}
	return selectPath(effective, state.OutputPath, state.discardOutput, "OutputPath")
}

func applyPass(state *State, doc any) (any, error) {
	effective, err := selectPath(doc, state.InputPath, state.discardInput, "InputPath")
	if err != nil {
		return nil, err
	}

	result := effective
	if state.Result != nil {
		if result, err = cloneDocument(state.Result); err != nil {
			return nil, fmt.Errorf("encode Result: %w", err)
		}
	}

	var merged any
	switch {
	case state.discardResult:
		merged = doc
	default:
		if merged, err = setPath(doc, state.ResultPath, result); err != nil {
			return nil, err
		}
	}
	return selectPath(merged, state.OutputPath, state.discardOutput, "OutputPath")
}

func selectPath(doc any, path string, discard bool, field string) (any, error) {
	if discard {
		return map[string]any{}, nil
	}
	if path == "" || path == "$" {
		return doc, nil
	}
	v, found, err := template.Select(doc, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if !found {
		return nil, fmt.Errorf("%s %q references an undefined value", field, path)
	}
	return v, nil
}

// setPath places value at a ResultPath of the form $ or $.a.b inside a
// copy of doc.
func setPath(doc any, path string, value any) (any, error) {
	if path == "" || path == "$" {
		return value, nil
	}
	if !strings.HasPrefix(path, "$.") || strings.ContainsAny(path, "[]*") {
		return nil, fmt.Errorf("unsupported ResultPath %q", path)
	}
	keys := strings.Split(path[2:], ".")

	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot apply ResultPath %q: the input is not a JSON object", path)
	}
	out := copyMap(root)
	cursor := out
	for i, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("unsupported ResultPath %q", path)
		}
		if i == len(keys)-1 {
			cursor[key] = value
			break
		}
		next, exists := cursor[key]
		switch child := next.(type) {
		case map[string]any:
			cp := copyMap(child)
			cursor[key] = cp
			cursor = cp
		case nil:
			if exists {
				return nil, fmt.Errorf("cannot apply ResultPath %q: %s is null", path, key)
			}
			cp := map[string]any{}
			cursor[key] = cp
			cursor = cp
		default:
			return nil, fmt.Errorf("cannot apply ResultPath %q: %s is not an object", path, key)
		}
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDocument(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return template.DecodeJSON(data)
}

func encodeDocument(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func docText(v any) string {
	text, err := encodeDocument(v)
	if err != nil {
		return ""
	}
	return text
}

var errInvalidArn = errors.New("Invalid Arn")

func validateMachineArn(arn string) error {
	parts := strings.Split(arn, ":")
	if len(parts) != 7 || parts[0] != "arn" || parts[2] != "states" || parts[5] != "stateMachine" || parts[6] == "" {
		return fmt.Errorf("%w: '%s'", errInvalidArn, arn)
	}
	return nil
}

func expressExecutionArn(machineArn, name string) string {
	return strings.Replace(machineArn, ":stateMachine:", ":express:", 1) + ":" + name + ":" + uuid.NewString()
}

const invalidNameChars = " <>{}[]?*\"#%\\^|~`$&,;:/"

func validateExecutionName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > 80 {
		return fmt.Errorf("Invalid Name: '%s' must be 1 to 80 characters", name)
	}
	for _, r := range name {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) || strings.ContainsRune(invalidNameChars, r) {
			return fmt.Errorf("Invalid Name: '%s'", name)
		}
	}
	return nil
}
