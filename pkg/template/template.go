// Package template renders request and response mapping templates.
//
// The language is a small VTL dialect: $references, $util and $input
// helpers, #if/#elseif/#else/#end, #set and ## comments. Rendering is pure;
// the same template and Context always produce the same output.
package template

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-sfn/pkg/template/expr"
)

var (
	// ErrSyntax indicates the template could not be parsed.
	ErrSyntax = errors.New("template syntax error")
	// ErrMissingValue indicates a reference to a required root that is absent.
	ErrMissingValue = errors.New("required template value missing")
	// ErrTypeMismatch indicates a helper or condition received a value of the wrong type.
	ErrTypeMismatch = errors.New("template type mismatch")
)

// DefaultEvalTimeout bounds the evaluation of any single reference or condition.
const DefaultEvalTimeout = 50 * time.Millisecond

// Context is the data a template renders against.
type Context struct {
	// Input backs $input. A nil Input behaves like an empty body.
	Input *Input
	// Vars holds every other root, e.g. "context", "stageVariables", "id".
	Vars map[string]any
	// Require lists roots that must resolve. "input" requires a valid body.
	Require []string
}

func (c Context) required(root string) bool {
	for _, r := range c.Require {
		if r == root {
			return true
		}
	}
	return false
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name  string
	nodes []node
	eval  *expr.Evaluator
}

// Compile parses src into a reusable Template.
func Compile(name, src string) (*Template, error) {
	nodes, err := parse(src)
	if err != nil {
		if name != "" {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		return nil, err
	}
	return &Template{
		name:  name,
		nodes: nodes,
		eval:  expr.NewEvaluator(expr.Options{Lenient: true, Timeout: DefaultEvalTimeout}),
	}, nil
}

// MustCompile is like Compile but panics on error. Use it for built-in templates.
func MustCompile(name, src string) *Template {
	t, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return t
}

// Render compiles and executes src in one step.
func Render(src string, data Context) (string, error) {
	t, err := Compile("", src)
	if err != nil {
		return "", err
	}
	return t.Execute(context.Background(), data)
}

// Name returns the name given at compile time.
func (t *Template) Name() string {
	return t.name
}

// Execute renders the template against data.
func (t *Template) Execute(ctx context.Context, data Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st := &renderState{data: data, locals: map[string]any{}}
	var out strings.Builder
	if err := t.run(ctx, st, t.nodes, &out); err != nil {
		if t.name != "" {
			return "", fmt.Errorf("template %s: %w", t.name, err)
		}
		return "", err
	}
	return out.String(), nil
}

func (t *Template) run(ctx context.Context, st *renderState, nodes []node, out *strings.Builder) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch n := n.(type) {
		case textNode:
			out.WriteString(n.text)

		case refNode:
			value, err := t.value(ctx, st, n.expr)
			if err != nil {
				return fmt.Errorf("%s: %w", n.source, err)
			}
			s, err := stringify(value)
			if err != nil {
				return fmt.Errorf("%s: %w", n.source, err)
			}
			out.WriteString(s)

		case setNode:
			value, err := t.value(ctx, st, n.value)
			if err != nil {
				return fmt.Errorf("#set $%s: %w", n.name, err)
			}
			st.locals[n.name] = value

		case ifNode:
			body, err := t.choose(ctx, st, n)
			if err != nil {
				return err
			}
			if err := t.run(ctx, st, body, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Template) choose(ctx context.Context, st *renderState, n ifNode) ([]node, error) {
	for _, b := range n.branches {
		ok, err := t.eval.EvaluateNode(ctx, b.cond, st)
		if err := st.takeErr(err); err != nil {
			return nil, fmt.Errorf("#if: %w", err)
		}
		if ok {
			return b.body, nil
		}
	}
	return n.elseBody, nil
}

func (t *Template) value(ctx context.Context, st *renderState, n expr.Node) (any, error) {
	v, err := t.eval.Value(ctx, n, st)
	if err := st.takeErr(err); err != nil {
		return nil, err
	}
	return v, nil
}

// stringify renders a resolved value: strings verbatim, null as empty and
// everything else as compact JSON.
func stringify(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	}
	b, err := marshalCompact(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return string(b), nil
}

// marshalCompact encodes v as compact JSON without HTML escaping.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// renderState is the per-execution scope. It is never shared between renders.
type renderState struct {
	data   Context
	locals map[string]any
	err    error
}

// takeErr prefers a failure recorded during lookup over the evaluator's own error.
func (st *renderState) takeErr(err error) error {
	if st.err != nil {
		recorded := st.err
		st.err = nil
		return recorded
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, expr.ErrTypeMismatch) && !errors.Is(err, ErrTypeMismatch) {
		return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	if errors.Is(err, expr.ErrSyntax) || errors.Is(err, expr.ErrUnknownFunction) {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return err
}

func (st *renderState) fail(err error) {
	if st.err == nil {
		st.err = err
	}
}

// Lookup implements expr.Scope.
func (st *renderState) Lookup(path string) (any, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	root := parts[0]

	if v, ok := st.locals[root]; ok {
		return navigate(v, parts[1:])
	}

	if root == "input" {
		return st.lookupInput(path, parts[1:])
	}

	v, ok := st.data.Vars[root]
	if ok {
		v, ok = navigate(v, parts[1:])
	}
	if !ok && st.data.required(root) {
		st.fail(fmt.Errorf("%w: %s", ErrMissingValue, path))
	}
	return v, ok
}

func (st *renderState) lookupInput(path string, rest []string) (any, bool) {
	in := st.data.Input
	if st.data.required("input") && (in == nil || !in.valid) {
		st.fail(fmt.Errorf("%w: %s", ErrMissingValue, path))
		return nil, false
	}
	if in == nil {
		return nil, false
	}
	if len(rest) == 1 && rest[0] == "body" {
		return string(in.raw), true
	}
	v, ok := navigate(in.doc, rest)
	if !ok && len(rest) > 0 && st.data.required("input") {
		st.fail(fmt.Errorf("%w: %s", ErrMissingValue, path))
	}
	return v, ok
}

// Call implements expr.Scope.
func (st *renderState) Call(name string, args []any) (any, error) {
	parts := splitPath(name)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %s", expr.ErrUnknownFunction, name)
	}
	switch parts[0] {
	case "util":
		return callUtil(parts[1], args)
	case "input":
		return st.callInput(parts[1], args)
	}
	return nil, fmt.Errorf("%w: %s", expr.ErrUnknownFunction, name)
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, "!")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// navigate walks maps and slices by field name or numeric index.
func navigate(v any, parts []string) (any, bool) {
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
		next, ok := child(v, part)
		if !ok {
			return nil, false
		}
		v = next
	}
	return v, true
}
