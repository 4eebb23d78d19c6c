package template

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-sfn/pkg/domain"
)

func jsonRequest(t *testing.T, body string) *domain.InboundRequest {
	t.Helper()
	req := &domain.InboundRequest{
		Method:  http.MethodPost,
		Path:    "/create",
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Query:   url.Values{},
		Body:    []byte(body),
	}
	if doc, err := DecodeJSON(req.Body); err == nil {
		req.Document = doc
		req.BodyValid = true
	}
	return req
}

func requestContext(req *domain.InboundRequest) Context {
	return Context{
		Input: RequestInput(req),
		Vars: map[string]any{
			"context": map[string]any{"requestId": "req-1", "httpMethod": "POST"},
			"stageVariables": map[string]string{
				"actionType":      "create",
				"stateMachineArn": "arn:aws:states:us-east-1:123456789012:stateMachine:Sync",
			},
		},
	}
}

func TestRender_References(t *testing.T) {
	data := Context{Vars: map[string]any{
		"context": map[string]any{"requestId": "abc-123"},
		"count":   json.Number("42"),
		"flag":    true,
		"obj":     map[string]any{"b": 1, "a": "x"},
		"items":   []any{"first", "second"},
	}}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "plain", tmpl: "id=$context.requestId", want: "id=abc-123"},
		{name: "braced", tmpl: "id=${context.requestId}!", want: "id=abc-123!"},
		{name: "silent", tmpl: "[$!context.requestId]", want: "[abc-123]"},
		{name: "missing renders empty", tmpl: "[$context.nothing][$absent]", want: "[][]"},
		{name: "number", tmpl: "$count", want: "42"},
		{name: "bool", tmpl: "$flag", want: "true"},
		{name: "object as json", tmpl: "$obj", want: `{"a":"x","b":1}`},
		{name: "index", tmpl: "$items.1", want: "second"},
		{name: "trailing dot is text", tmpl: "id is $context.requestId.", want: "id is abc-123."},
		{name: "escaped dollar", tmpl: `cost \$5`, want: "cost $5"},
		{name: "lone dollar", tmpl: "$ 5 and $5", want: "$ 5 and $5"},
		{name: "hash text", tmpl: "#1 #endpoint", want: "#1 #endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_DefaultRequestTemplate(t *testing.T) {
	req := jsonRequest(t, `{"name": "fi\"do", "tags": ["a\\b", "line\nbreak"], "n": 1.50}`)

	out, err := Render(DefaultRequest, requestContext(req))
	require.NoError(t, err)

	var payload domain.InvocationPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload), out)
	assert.Equal(t, "arn:aws:states:us-east-1:123456789012:stateMachine:Sync", payload.StateMachineArn)

	var input struct {
		ActionType string          `json:"actionType"`
		Body       json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.Input), &input), payload.Input)
	assert.Equal(t, "create", input.ActionType)
	assert.JSONEq(t, string(req.Body), string(input.Body))
	assert.Contains(t, string(input.Body), "1.50")
}

func TestRender_EmptyBody(t *testing.T) {
	req := jsonRequest(t, "")

	out, err := Render(DefaultRequest, requestContext(req))
	require.NoError(t, err)

	var payload domain.InvocationPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.JSONEq(t, `{"actionType":"create","body":{}}`, payload.Input)
}

func TestRender_InvalidBodyPassthrough(t *testing.T) {
	req := jsonRequest(t, `not json "at" all`)
	require.False(t, req.BodyValid)

	out, err := Render(DefaultRequest, requestContext(req))
	require.NoError(t, err)

	var payload domain.InvocationPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	var input map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload.Input), &input))
	assert.Equal(t, `not json "at" all`, input["body"])
}

func TestRender_InputHelpers(t *testing.T) {
	req := jsonRequest(t, `{"pet": {"name": "fido", "age": 3}, "list": [10, 20]}`)
	req.Headers.Set("X-Tenant", "acme")
	req.Query.Set("verbose", "yes")
	data := requestContext(req)
	data.Input = data.Input.WithPathParams(map[string]string{"id": "p-1"})

	tests := []struct {
		tmpl string
		want string
	}{
		{tmpl: `$input.json('$.pet')`, want: `{"age":3,"name":"fido"}`},
		{tmpl: `$input.json('$.pet.name')`, want: `"fido"`},
		{tmpl: `$input.json('$.missing')`, want: `null`},
		{tmpl: `$input.path('$.pet.name')`, want: `fido`},
		{tmpl: `$input.path('$.list[1]')`, want: `20`},
		{tmpl: `$input.path("$['pet']['age']")`, want: `3`},
		{tmpl: `$input.path('pet.age')`, want: `3`},
		{tmpl: `$input.pet.name`, want: `fido`},
		{tmpl: `$input.params('id')/$input.params('X-Tenant')/$input.params('verbose')`, want: `p-1/acme/yes`},
		{tmpl: `[$input.params('nope')]`, want: `[]`},
		{tmpl: `$input.body`, want: `{"pet": {"name": "fido", "age": 3}, "list": [10, 20]}`},
	}

	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := Render(tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_Util(t *testing.T) {
	data := Context{Vars: map[string]any{
		"s":   `he said "hi" it's \ok`,
		"obj": map[string]any{"k": "<v>"},
		"enc": "aGVsbG8=",
	}}

	tests := []struct {
		tmpl string
		want string
	}{
		{tmpl: `$util.escapeJavaScript($s)`, want: `he said \"hi\" it's \\ok`},
		{tmpl: `$util.escapeJavaScript($obj)`, want: `{\"k\":\"<v>\"}`},
		{tmpl: `$util.json($s)`, want: `"he said \"hi\" it's \\ok"`},
		{tmpl: `$util.json($obj)`, want: `{"k":"<v>"}`},
		{tmpl: `$util.urlEncode('a b&c')`, want: `a+b%26c`},
		{tmpl: `$util.urlDecode('a+b%26c')`, want: `a b&c`},
		{tmpl: `$util.base64Encode('hello')`, want: `aGVsbG8=`},
		{tmpl: `$util.base64Decode($enc)`, want: `hello`},
		{tmpl: `$util.escapeJavaScript($missing)`, want: ``},
	}

	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := Render(tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Render(`$util.base64Decode('%%%')`, data)
	assert.True(t, errors.Is(err, ErrTypeMismatch), "got %v", err)
}

func TestRender_Directives(t *testing.T) {
	tmpl := `## status mapping
#set($code = $input.path('$.status'))
#if($code == "FAILED")fail#elseif($code == "TIMED_OUT")timeout#{else}ok#{end}
#if($input.path('$.missing'))never#end`

	tests := []struct {
		status string
		want   string
	}{
		{status: "FAILED", want: "fail"},
		{status: "TIMED_OUT", want: "timeout"},
		{status: "SUCCEEDED", want: "ok"},
	}

	compiled, err := Compile("status", tmpl)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			in, err := DocumentInput(map[string]any{"status": tt.status})
			require.NoError(t, err)

			got, err := compiled.Execute(context.Background(), Context{Input: in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(got))
		})
	}
}

func TestRender_SetIsLocal(t *testing.T) {
	compiled, err := Compile("local", `#set($greeting = "hello")$greeting`)
	require.NoError(t, err)

	vars := map[string]any{"greeting": "original"}
	got, err := compiled.Execute(context.Background(), Context{Vars: vars})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, "original", vars["greeting"])

	got, err = Render(`$greeting`, Context{Vars: vars})
	require.NoError(t, err)
	assert.Equal(t, "original", got)
}

func TestRender_NestedIf(t *testing.T) {
	tmpl := `#if($a)A#if($b)B#else!B#end#else!A#end`

	cases := map[[2]bool]string{
		{true, true}:   "AB",
		{true, false}:  "A!B",
		{false, true}:  "!A",
		{false, false}: "!A",
	}
	for in, want := range cases {
		got, err := Render(tmpl, Context{Vars: map[string]any{"a": in[0], "b": in[1]}})
		require.NoError(t, err)
		assert.Equal(t, want, got, "a=%v b=%v", in[0], in[1])
	}
}

func TestRender_Require(t *testing.T) {
	empty := jsonRequest(t, "")
	data := requestContext(empty)
	data.Require = []string{"input"}

	_, err := Render(DefaultRequest, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingValue), "got %v", err)

	data = Context{Vars: map[string]any{"context": map[string]any{}}, Require: []string{"context"}}
	_, err = Render(`$context.requestId`, data)
	assert.True(t, errors.Is(err, ErrMissingValue), "got %v", err)

	// Only listed roots are strict.
	got, err := Render(`[$other]`, data)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}

func TestCompile_SyntaxErrors(t *testing.T) {
	bad := []string{
		`#if($a)never closed`,
		`stray #end`,
		`#if($a)x#else`,
		`$util.escapeJavaScript($input.json('$')`,
		`#set(noref = 1)`,
		`#set($x)`,
		`#if()x#end`,
		`#* open comment`,
		`${unterminated`,
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Compile("bad", src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyntax), "got %v", err)
		})
	}
}

func TestRender_UnknownFunction(t *testing.T) {
	_, err := Render(`$util.nope('x')`, Context{})
	assert.True(t, errors.Is(err, ErrSyntax), "got %v", err)
}

func TestEscapeJavaScript(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: `"q"`, want: `\"q\"`},
		{in: `back\slash`, want: `back\\slash`},
		{in: "tab\there", want: `tab\there`},
		{in: "nl\ncr\r", want: `nl\ncr\r`},
		{in: "bell\x07", want: `bell\u0007`},
		{in: "it's", want: "it's"},
		{in: "sep\u2028", want: `sep\u2028`},
		{in: "bad\xffbyte", want: `bad\ufffdbyte`},
		{in: "ünïcode ✓", want: "ünïcode ✓"},
	}
	for _, tt := range tests {
		got := EscapeJavaScript(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestTemplate_ConcurrentExecute(t *testing.T) {
	compiled := MustCompile("success", DefaultSuccess)

	done := make(chan string, 16)
	for i := 0; i < cap(done); i++ {
		go func() {
			out, err := compiled.Execute(context.Background(), Context{Vars: map[string]any{"id": "x", "output": "y"}})
			if err != nil {
				done <- err.Error()
				return
			}
			done <- out
		}()
	}
	for i := 0; i < cap(done); i++ {
		assert.JSONEq(t, `{"id":"x","output":"y"}`, <-done)
	}
}
