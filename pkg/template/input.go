package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/template/expr"
)

// Input is the document behind $input: a raw body, its parsed JSON form and
// the request parameters.
type Input struct {
	raw     []byte
	doc     any
	valid   bool
	headers http.Header
	query   url.Values
	path    map[string]string
}

// RequestInput exposes an inbound request to templates.
func RequestInput(req *domain.InboundRequest) *Input {
	if req == nil {
		return nil
	}
	in := &Input{
		raw:     req.Body,
		headers: req.Headers,
		query:   req.Query,
	}
	if req.BodyValid {
		in.doc = req.Document
		in.valid = true
	} else if !req.HasBody() {
		in.doc = map[string]any{}
	}
	return in
}

// DocumentInput exposes an already decoded document, such as an execution
// result, as $input.
func DocumentInput(doc any) (*Input, error) {
	raw, err := marshalCompact(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	// Round-trip so numbers and nested structs look like parsed JSON.
	parsed, err := DecodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return &Input{raw: raw, doc: parsed, valid: true}, nil
}

// WithPathParams attaches route path parameters, consulted first by
// $input.params.
func (in *Input) WithPathParams(params map[string]string) *Input {
	if in == nil {
		return nil
	}
	cp := *in
	cp.path = params
	return &cp
}

// DecodeJSON parses a JSON document keeping numbers as json.Number so they
// render exactly as received.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func (st *renderState) callInput(name string, args []any) (any, error) {
	in := st.data.Input
	strict := st.data.required("input")

	switch name {
	case "json", "path":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: $input.%s takes one argument", ErrTypeMismatch, name)
		}
		expression, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: $input.%s path must be a string", ErrTypeMismatch, name)
		}
		if strict && (in == nil || !in.valid) {
			return nil, fmt.Errorf("%w: $input.%s('%s')", ErrMissingValue, name, expression)
		}
		value, found, err := in.resolve(expression)
		if err != nil {
			return nil, err
		}
		if !found && strict {
			return nil, fmt.Errorf("%w: $input.%s('%s')", ErrMissingValue, name, expression)
		}
		if name == "path" {
			return value, nil
		}
		return in.jsonText(expression, value, found)

	case "params":
		if len(args) == 0 {
			return in.allParams(), nil
		}
		key, ok := args[0].(string)
		if !ok || len(args) > 1 {
			return nil, fmt.Errorf("%w: $input.params takes one string argument", ErrTypeMismatch)
		}
		return in.param(key), nil
	}
	return nil, fmt.Errorf("%w: $input.%s", expr.ErrUnknownFunction, name)
}

// resolve evaluates a path expression against the body. An invalid body
// resolves to itself as a string at the root and to nothing below it.
func (in *Input) resolve(expression string) (any, bool, error) {
	steps, err := compilePath(expression)
	if err != nil {
		return nil, false, err
	}
	if in == nil {
		if len(steps) == 0 {
			return map[string]any{}, true, nil
		}
		return nil, false, nil
	}
	if !in.valid && in.doc == nil {
		if len(steps) == 0 {
			return string(in.raw), true, nil
		}
		return nil, false, nil
	}
	v, ok := walkPath(in.doc, steps)
	return v, ok, nil
}

func (in *Input) jsonText(expression string, value any, found bool) (any, error) {
	if !found {
		return "null", nil
	}
	if in != nil && in.valid && isRoot(expression) && len(in.raw) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, in.raw); err == nil {
			return buf.String(), nil
		}
	}
	b, err := marshalCompact(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return string(b), nil
}

func (in *Input) param(name string) string {
	if in == nil {
		return ""
	}
	if v, ok := in.path[name]; ok {
		return v
	}
	if v := in.headers.Get(name); v != "" {
		return v
	}
	return in.query.Get(name)
}

func (in *Input) allParams() map[string]any {
	out := map[string]any{
		"path":        map[string]any{},
		"header":      map[string]any{},
		"querystring": map[string]any{},
	}
	if in == nil {
		return out
	}
	path := out["path"].(map[string]any)
	for k, v := range in.path {
		path[k] = v
	}
	header := out["header"].(map[string]any)
	for k := range in.headers {
		header[k] = in.headers.Get(k)
	}
	query := out["querystring"].(map[string]any)
	for k := range in.query {
		query[k] = in.query.Get(k)
	}
	return out
}
