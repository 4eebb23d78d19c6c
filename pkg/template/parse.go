package template

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-sfn/pkg/template/expr"
)

type node interface {
	isNode()
}

type textNode struct {
	text string
}

type refNode struct {
	source string
	expr   expr.Node
}

type branch struct {
	cond expr.Node
	body []node
}

type ifNode struct {
	branches []branch
	elseBody []node
}

type setNode struct {
	name  string
	value expr.Node
}

func (textNode) isNode() {}
func (refNode) isNode()  {}
func (ifNode) isNode()   {}
func (setNode) isNode()  {}

type directive int

const (
	dirNone directive = iota
	dirElseIf
	dirElse
	dirEnd
)

func (d directive) String() string {
	switch d {
	case dirElseIf:
		return "#elseif"
	case dirElse:
		return "#else"
	case dirEnd:
		return "#end"
	}
	return "end of template"
}

type parser struct {
	src  string
	pos  int
	line int

	// pending holds the condition of an #elseif just consumed.
	pending expr.Node
}

func parse(src string) ([]node, error) {
	p := &parser{src: src, line: 1}
	nodes, term, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	if term != dirNone {
		return nil, p.errorf("unexpected %s", term)
	}
	return nodes, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, p.line, fmt.Sprintf(format, args...))
}

// parseBlock reads nodes until end of input or a block terminator
// (#elseif, #else, #end), which it consumes and returns.
func (p *parser) parseBlock() ([]node, directive, error) {
	var (
		nodes []node
		text  strings.Builder
	)
	flush := func() {
		if text.Len() > 0 {
			nodes = append(nodes, textNode{text: text.String()})
			text.Reset()
		}
	}

	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		switch {
		case ch == '\\' && p.pos+1 < len(p.src) && (p.src[p.pos+1] == '$' || p.src[p.pos+1] == '#'):
			text.WriteByte(p.src[p.pos+1])
			p.pos += 2
			continue

		case ch == '$' && p.startsReference():
			flush()
			ref, err := p.parseReference()
			if err != nil {
				return nil, dirNone, err
			}
			nodes = append(nodes, ref)
			continue

		case ch == '#':
			handled, term, n, err := p.parseDirective()
			if err != nil {
				return nil, dirNone, err
			}
			if !handled {
				break
			}
			if term != dirNone {
				flush()
				return nodes, term, nil
			}
			if n != nil {
				flush()
				nodes = append(nodes, n)
			}
			continue
		}

		if ch == '\n' {
			p.line++
		}
		text.WriteByte(ch)
		p.pos++
	}

	flush()
	return nodes, dirNone, nil
}

func (p *parser) startsReference() bool {
	i := p.pos + 1
	if i < len(p.src) && p.src[i] == '!' {
		i++
	}
	if i >= len(p.src) {
		return false
	}
	return p.src[i] == '{' || isIdentStart(p.src[i])
}

// parseReference consumes $name.path, $!name, ${name.path} and calls such
// as $util.escapeJavaScript($input.json('$')).
func (p *parser) parseReference() (node, error) {
	start := p.pos
	p.pos++ // $
	if p.src[p.pos] == '!' {
		p.pos++
	}

	var source string
	if p.src[p.pos] == '{' {
		end := strings.IndexByte(p.src[p.pos:], '}')
		if end < 0 {
			return nil, p.errorf("unterminated reference %q", p.src[start:])
		}
		inner := strings.TrimSpace(p.src[p.pos+1 : p.pos+end])
		p.pos += end + 1
		if inner == "" {
			return nil, p.errorf("empty reference")
		}
		source = "$" + inner
	} else {
		nameStart := p.pos
		p.scanPath()
		if p.pos < len(p.src) && p.src[p.pos] == '(' {
			end, err := p.matchParen(p.pos)
			if err != nil {
				return nil, err
			}
			p.pos = end
		}
		source = "$" + p.src[nameStart:p.pos]
	}

	node, err := expr.Parse(source)
	if err != nil {
		return nil, p.errorf("invalid reference %q: %v", p.src[start:p.pos], err)
	}
	return refNode{source: source, expr: node}, nil
}

// scanPath advances over ident(.segment)*. A trailing dot that is not
// followed by a name or index is left in the text.
func (p *parser) scanPath() {
	for {
		for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
			p.pos++
		}
		if p.pos+1 < len(p.src) && p.src[p.pos] == '.' && isIdentPart(p.src[p.pos+1]) {
			p.pos++
			continue
		}
		return
	}
}

// matchParen returns the index just past the parenthesis matching the one
// at open, honouring quoted strings.
func (p *parser) matchParen(open int) (int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(p.src); i++ {
		ch := p.src[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, p.errorf("unbalanced parentheses in %q", p.src[open:])
}

// parseDirective handles text starting with '#'. handled is false when the
// '#' is ordinary text.
func (p *parser) parseDirective() (handled bool, term directive, n node, err error) {
	rest := p.src[p.pos:]

	switch {
	case strings.HasPrefix(rest, "##"):
		end := strings.IndexByte(rest, '\n')
		if end < 0 {
			p.pos = len(p.src)
		} else {
			p.pos += end
		}
		return true, dirNone, nil, nil

	case strings.HasPrefix(rest, "#*"):
		end := strings.Index(rest[2:], "*#")
		if end < 0 {
			return true, dirNone, nil, p.errorf("unterminated block comment")
		}
		p.line += strings.Count(rest[:end+4], "\n")
		p.pos += end + 4
		return true, dirNone, nil, nil
	}

	name, argsAt := p.directiveName()
	switch name {
	case "if":
		cond, err := p.parseCondition(argsAt)
		if err != nil {
			return true, dirNone, nil, err
		}
		n, err := p.parseIf(cond)
		return true, dirNone, n, err

	case "elseif":
		cond, err := p.parseCondition(argsAt)
		if err != nil {
			return true, dirNone, nil, err
		}
		p.pending = cond
		return true, dirElseIf, nil, nil

	case "else":
		p.pos = argsAt
		return true, dirElse, nil, nil

	case "end":
		p.pos = argsAt
		return true, dirEnd, nil, nil

	case "set":
		n, err := p.parseSet(argsAt)
		return true, dirNone, n, err
	}
	return false, dirNone, nil, nil
}

// directiveName reads #name or #{name} at the current position and returns
// the name and the offset following it. Unknown names yield "".
func (p *parser) directiveName() (string, int) {
	i := p.pos + 1
	braced := i < len(p.src) && p.src[i] == '{'
	if braced {
		i++
	}
	start := i
	for i < len(p.src) && isLetter(p.src[i]) {
		i++
	}
	name := p.src[start:i]
	if braced {
		if i >= len(p.src) || p.src[i] != '}' {
			return "", 0
		}
		i++
	} else if i < len(p.src) && isIdentPart(p.src[i]) {
		return "", 0
	}

	switch name {
	case "if", "elseif", "set":
		for i < len(p.src) && (p.src[i] == ' ' || p.src[i] == '\t') {
			i++
		}
		if i >= len(p.src) || p.src[i] != '(' {
			return "", 0
		}
	case "else", "end":
	default:
		return "", 0
	}
	return name, i
}

func (p *parser) parseCondition(open int) (expr.Node, error) {
	end, err := p.matchParen(open)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.src[open+1 : end-1])
	p.pos = end
	if text == "" {
		return nil, p.errorf("empty condition")
	}
	cond, err := expr.Parse(text)
	if err != nil {
		return nil, p.errorf("invalid condition %q: %v", text, err)
	}
	return cond, nil
}

func (p *parser) parseIf(cond expr.Node) (node, error) {
	n := ifNode{}
	for {
		body, term, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, branch{cond: cond, body: body})

		switch term {
		case dirElseIf:
			cond = p.pending
			p.pending = nil
			continue
		case dirElse:
			elseBody, term, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			if term != dirEnd {
				return nil, p.errorf("#else without matching #end (found %s)", term)
			}
			n.elseBody = elseBody
			return n, nil
		case dirEnd:
			return n, nil
		default:
			return nil, p.errorf("#if without matching #end")
		}
	}
}

// parseSet reads #set($name = value).
func (p *parser) parseSet(open int) (node, error) {
	end, err := p.matchParen(open)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(p.src[open+1 : end-1])
	p.pos = end

	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		return nil, p.errorf("#set requires an assignment")
	}
	target := strings.TrimSpace(body[:eq])
	value := strings.TrimSpace(body[eq+1:])
	if !strings.HasPrefix(target, "$") {
		return nil, p.errorf("#set target %q must be a reference", target)
	}
	name := strings.TrimPrefix(strings.TrimPrefix(strings.Trim(target, "${}"), "!"), "$")
	if name == "" || strings.ContainsAny(name, ". ()") {
		return nil, p.errorf("#set target %q must be a plain variable", target)
	}
	if value == "" {
		return nil, p.errorf("#set of $%s has no value", name)
	}
	valueNode, err := expr.Parse(value)
	if err != nil {
		return nil, p.errorf("invalid #set value %q: %v", value, err)
	}
	return setNode{name: name, value: valueNode}, nil
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentStart(ch byte) bool {
	return isLetter(ch) || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
