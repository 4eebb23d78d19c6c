package local

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/telemetry"
)

// ActionStartSyncExecution is the action checked before every execution.
const ActionStartSyncExecution = "states:StartSyncExecution"

// Effect is the outcome a statement grants.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Statement grants or denies actions on resources. Patterns match exactly
// or, when they end in '*', by prefix.
type Statement struct {
	Effect    Effect   `yaml:"effect" json:"effect"`
	Actions   []string `yaml:"actions" json:"actions"`
	Resources []string `yaml:"resources" json:"resources"`
}

// Policy maps a role name to its statements.
type Policy map[string][]Statement

// DefaultPolicy lets role start synchronous executions of the given
// machines and nothing else.
func DefaultPolicy(role string, machineArns ...string) Policy {
	resources := append([]string(nil), machineArns...)
	sort.Strings(resources)
	return Policy{
		role: {{
			Effect:    EffectAllow,
			Actions:   []string{ActionStartSyncExecution},
			Resources: resources,
		}},
	}
}

// Validate checks every statement of every role.
func (p Policy) Validate() error {
	for role, statements := range p {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%w: policy role name is empty", domain.ErrConfigInvalid)
		}
		for i, st := range statements {
			if st.Effect != EffectAllow && st.Effect != EffectDeny {
				return fmt.Errorf("%w: role %s statement %d: effect must be Allow or Deny", domain.ErrConfigInvalid, role, i)
			}
			if len(st.Actions) == 0 || len(st.Resources) == 0 {
				return fmt.Errorf("%w: role %s statement %d: actions and resources are required", domain.ErrConfigInvalid, role, i)
			}
		}
	}
	return nil
}

// Decision is the authorizer's answer for one request.
type Decision struct {
	Allowed bool
	Reason  string
}

const authzModule = `package sfn.authz

matches(pattern, value) if {
	pattern == value
}

matches(pattern, value) if {
	endswith(pattern, "*")
	startswith(value, trim_suffix(pattern, "*"))
}

applies(s) if {
	some a in s.actions
	matches(a, input.action)
	some r in s.resources
	matches(r, input.resource)
}

denied if {
	some s in input.statements
	s.effect == "Deny"
	applies(s)
}

allowed if {
	some s in input.statements
	s.effect == "Allow"
	applies(s)
}

default allow := false

allow if {
	allowed
	not denied
}

default reason := "no statement allows the action"

reason := "explicitly denied" if denied

reason := "allowed" if {
	allowed
	not denied
}

decision := {"allow": allow, "reason": reason}
`

// Authorizer evaluates role policies with an embedded Rego module.
type Authorizer struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewAuthorizer compiles the authorization module for policy.
func NewAuthorizer(ctx context.Context, policy Policy) (*Authorizer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	module, err := ast.ParseModuleWithOpts("sfn_authz.rego", authzModule, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse authorization module: %w", err)
	}
	query, err := rego.New(
		rego.Query("data.sfn.authz.decision"),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile authorization module: %w", err)
	}

	return &Authorizer{policy: policy, query: query}, nil
}

// Authorize decides whether principal may perform action on resource.
func (a *Authorizer) Authorize(ctx context.Context, principal, action, resource string) (Decision, error) {
	statements, ok := a.policy[principal]
	if !ok {
		d := Decision{Reason: "unknown principal"}
		telemetry.RecordAuthorizationDecision(trace.SpanFromContext(ctx), false, action, resource, d.Reason)
		return d, nil
	}

	input := map[string]any{
		"principal":  principal,
		"action":     action,
		"resource":   resource,
		"statements": statementsInput(statements),
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("authorization decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("authorization decision: empty result")
	}
	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("authorization decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	d := Decision{}
	d.Allowed, _ = payload["allow"].(bool)
	d.Reason, _ = payload["reason"].(string)
	telemetry.RecordAuthorizationDecision(trace.SpanFromContext(ctx), d.Allowed, action, resource, d.Reason)
	return d, nil
}

func statementsInput(statements []Statement) []any {
	out := make([]any, 0, len(statements))
	for _, st := range statements {
		out = append(out, map[string]any{
			"effect":    string(st.Effect),
			"actions":   stringsInput(st.Actions),
			"resources": stringsInput(st.Resources),
		})
	}
	return out
}

func stringsInput(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
