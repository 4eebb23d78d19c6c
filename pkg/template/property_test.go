package template

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// awkwardString favours the characters that break naive string embedding.
func awkwardString() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.String(),
		rapid.StringOf(rapid.SampledFrom([]rune{'"', '\\', '\'', '\n', '\r', '\t', '\x00', '\x1f', '\u2028', '$', '#', '{', '}', 'a', 'é'})),
	)
}

func TestProperty_EscapedStringEmbedsInJSON(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := awkwardString().Draw(t, "s")

		var decoded string
		if err := json.Unmarshal([]byte(`"`+EscapeJavaScript(s)+`"`), &decoded); err != nil {
			t.Fatalf("escaped %q is not a valid JSON string body: %v", s, err)
		}
		if decoded != s {
			t.Fatalf("round trip mismatch: got %q want %q", decoded, s)
		}
	})
}

func TestProperty_RequestBodyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		field := awkwardString().Draw(t, "field")
		key := awkwardString().Draw(t, "key")

		body, err := json.Marshal(map[string]any{"name": field, key: []any{field, 1}})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		doc, err := DecodeJSON(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		req := &domain.InboundRequest{Method: "POST", Path: "/create", Body: body, Document: doc, BodyValid: true}

		input := renderInput(t, req)

		var original, got any
		_ = json.Unmarshal(body, &original)
		if err := json.Unmarshal(input["body"], &got); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if !jsonEqual(original, got) {
			t.Fatalf("body mismatch: got %s want %s", input["body"], body)
		}
	})
}

func TestProperty_RawBodyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := awkwardString().Draw(t, "raw")
		if strings.TrimSpace(raw) == "" || json.Valid([]byte(raw)) {
			return
		}
		req := &domain.InboundRequest{Method: "POST", Path: "/create", Body: []byte(raw)}

		input := renderInput(t, req)

		var got string
		if err := json.Unmarshal(input["body"], &got); err != nil {
			t.Fatalf("body is not a JSON string: %v", err)
		}
		if got != raw {
			t.Fatalf("raw body mismatch: got %q want %q", got, raw)
		}
	})
}

func TestProperty_RenderIdempotent(t *testing.T) {
	compiled := MustCompile("request", DefaultRequest)
	failure := MustCompile("failure", DefaultFailure)

	rapid.Check(t, func(t *rapid.T) {
		raw := awkwardString().Draw(t, "raw")
		req := &domain.InboundRequest{Method: "POST", Path: "/create", Body: []byte(raw)}
		if doc, err := DecodeJSON(req.Body); err == nil {
			req.Document, req.BodyValid = doc, true
		}
		data := requestContext(req)

		first, err1 := compiled.Execute(context.Background(), data)
		second, err2 := compiled.Execute(context.Background(), data)
		if (err1 == nil) != (err2 == nil) || first != second {
			t.Fatalf("request render not idempotent: %q/%v vs %q/%v", first, err1, second, err2)
		}

		vars := Context{Vars: map[string]any{
			"error": awkwardString().Draw(t, "error"),
			"cause": awkwardString().Draw(t, "cause"),
		}}
		a, _ := failure.Execute(context.Background(), vars)
		b, _ := failure.Execute(context.Background(), vars)
		if a != b {
			t.Fatalf("failure render not idempotent: %q vs %q", a, b)
		}
	})
}

func renderInput(t *rapid.T, req *domain.InboundRequest) map[string]json.RawMessage {
	out, err := Render(DefaultRequest, requestContext(req))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var payload domain.InvocationPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v\n%s", err, out)
	}
	var input map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload.Input), &input); err != nil {
		t.Fatalf("input is not JSON: %v\n%s", err, payload.Input)
	}
	return input
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
