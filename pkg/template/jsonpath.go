package template

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// step is one segment of a path: a field name or an array index.
type step struct {
	key     string
	index   int
	isIndex bool
}

// compilePath parses the JSONPath subset accepted by $input.json and
// $input.path: $, $.a.b, $.a[0], $['a b'] and bare a.b (rooted at $).
func compilePath(expression string) ([]step, error) {
	s := strings.TrimSpace(expression)
	switch {
	case s == "" || s == "$":
		return nil, nil
	case strings.HasPrefix(s, "$"):
		s = s[1:]
	default:
		s = "." + s
	}

	var steps []step
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			end := strings.IndexAny(s, ".[")
			if end < 0 {
				end = len(s)
			}
			key := s[:end]
			if key == "" || key == "*" {
				return nil, fmt.Errorf("%w: unsupported path %q", ErrSyntax, expression)
			}
			steps = append(steps, step{key: key})
			s = s[end:]

		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated [ in path %q", ErrSyntax, expression)
			}
			inner := strings.TrimSpace(s[1:end])
			s = s[end+1:]
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				steps = append(steps, step{key: inner[1 : len(inner)-1]})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				return nil, fmt.Errorf("%w: unsupported index %q in path %q", ErrSyntax, inner, expression)
			}
			steps = append(steps, step{index: n, isIndex: true})

		default:
			return nil, fmt.Errorf("%w: unexpected %q in path %q", ErrSyntax, s[0], expression)
		}
	}
	return steps, nil
}

// Select returns the value at expression inside doc. found is false when
// the path does not resolve.
func Select(doc any, expression string) (value any, found bool, err error) {
	steps, err := compilePath(expression)
	if err != nil {
		return nil, false, err
	}
	value, found = walkPath(doc, steps)
	return value, found, nil
}

func isRoot(expression string) bool {
	s := strings.TrimSpace(expression)
	return s == "$" || s == ""
}

func walkPath(v any, steps []step) (any, bool) {
	for _, st := range steps {
		var ok bool
		if st.isIndex {
			v, ok = element(v, st.index)
		} else {
			v, ok = child(v, st.key)
		}
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// child resolves a named field. Numeric names index into slices so that
// template references like $items.0 work.
func child(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out, ok := m[key]
		return out, ok
	case map[string]string:
		out, ok := m[key]
		return out, ok
	case http.Header:
		if vals := m.Values(key); len(vals) > 0 {
			return vals[0], true
		}
		return nil, false
	case []any:
		if n, err := strconv.Atoi(key); err == nil {
			return element(m, n)
		}
		return nil, false
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	}
	return nil, false
}

func element(v any, index int) (any, bool) {
	switch s := v.(type) {
	case []any:
		if index < 0 {
			index += len(s)
		}
		if index < 0 || index >= len(s) {
			return nil, false
		}
		return s[index], true
	case []string:
		if index < 0 {
			index += len(s)
		}
		if index < 0 || index >= len(s) {
			return nil, false
		}
		return s[index], true
	}
	return nil, false
}
