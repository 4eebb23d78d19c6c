package template

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/polisai/polis-sfn/pkg/template/expr"
)

// EscapeJavaScript escapes s so it can be placed between double quotes in a
// JSON document. Quotes, backslashes and every control character are
// escaped; single quotes are left alone because JSON does not accept \'.
func EscapeJavaScript(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteString(`\ufffd`)
			i++
			continue
		}
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteString(s[i : i+size])
			}
		}
		i += size
	}
	return b.String()
}

func callUtil(name string, args []any) (any, error) {
	switch name {
	case "escapeJavaScript":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		return EscapeJavaScript(s), nil

	case "json", "toJson":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: $util.%s takes one argument", ErrTypeMismatch, name)
		}
		b, err := marshalCompact(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return string(b), nil

	case "parseJson":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		v, err := DecodeJSON([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: $util.parseJson: %v", ErrTypeMismatch, err)
		}
		return v, nil

	case "urlEncode":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		return url.QueryEscape(s), nil

	case "urlDecode":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		out, err := url.QueryUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("%w: $util.urlDecode: %v", ErrTypeMismatch, err)
		}
		return out, nil

	case "base64Encode":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString([]byte(s)), nil

	case "base64Decode":
		s, err := textArg(name, args)
		if err != nil {
			return nil, err
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: $util.base64Decode: %v", ErrTypeMismatch, err)
		}
		return string(out), nil
	}
	return nil, fmt.Errorf("%w: $util.%s", expr.ErrUnknownFunction, name)
}

// textArg returns the single argument rendered as text, the way a
// reference to it would render.
func textArg(name string, args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: $util.%s takes one argument", ErrTypeMismatch, name)
	}
	return stringify(args[0])
}
