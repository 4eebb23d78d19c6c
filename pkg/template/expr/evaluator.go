// Package expr implements the condition language used by template #if and
// #elseif directives.
package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSyntax indicates the condition could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not in scope (strict mode only).
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrUnknownFunction indicates a call to a function the scope does not provide.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrTypeMismatch indicates the condition attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Scope resolves references and function calls encountered in a condition.
type Scope interface {
	Lookup(path string) (any, bool)
	Call(name string, args []any) (any, error)
}

// LookupFunc adapts a plain lookup function into a Scope without functions.
type LookupFunc func(path string) (any, bool)

// Lookup implements Scope.
func (f LookupFunc) Lookup(path string) (any, bool) {
	return f(path)
}

// Call implements Scope.
func (f LookupFunc) Call(name string, _ []any) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
}

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
	// Lenient resolves unknown identifiers to null, treats non-boolean
	// values by truthiness and compares mismatched types by their string
	// form. Templates evaluate conditions leniently.
	Lenient bool
}

// Evaluator evaluates boolean conditions against a Scope.
type Evaluator struct {
	timeout time.Duration
	lenient bool
}

// NewEvaluator constructs an Evaluator applying defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &Evaluator{timeout: timeout, lenient: opts.Lenient}
}

// Evaluate determines whether the condition evaluates to true.
func (e *Evaluator) Evaluate(ctx context.Context, condition string, scope Scope) (bool, error) {
	if scope == nil {
		return false, fmt.Errorf("%w: scope is required", ErrSyntax)
	}

	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, fmt.Errorf("%w: empty condition", ErrSyntax)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	node, err := Parse(condition)
	if err != nil {
		return false, err
	}

	value, err := node.eval(ctx, &evalState{scope: scope, lenient: e.lenient})
	if err != nil {
		return false, err
	}
	return e.toBool(value)
}

// Parse compiles a condition so it can be evaluated repeatedly.
func Parse(condition string) (Node, error) {
	p := newParser(newLexer(condition))
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}
	return node, nil
}

// EvaluateNode evaluates a parsed condition.
func (e *Evaluator) EvaluateNode(ctx context.Context, node Node, scope Scope) (bool, error) {
	if node == nil || scope == nil {
		return false, fmt.Errorf("%w: node and scope are required", ErrSyntax)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	value, err := node.eval(ctx, &evalState{scope: scope, lenient: e.lenient})
	if err != nil {
		return false, err
	}
	return e.toBool(value)
}

// Value evaluates a parsed expression and returns its raw value rather than
// a boolean. Templates use it for references and function calls.
func (e *Evaluator) Value(ctx context.Context, node Node, scope Scope) (any, error) {
	if node == nil || scope == nil {
		return nil, fmt.Errorf("%w: node and scope are required", ErrSyntax)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	return node.eval(ctx, &evalState{scope: scope, lenient: e.lenient})
}

func (e *Evaluator) toBool(value any) (bool, error) {
	if e.lenient {
		return truthy(value), nil
	}
	return toBool(value)
}

// --- Lexer ---

type tokenType int

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenLParen
	tokenRParen
	tokenComma
)

var tokenNames = map[tokenType]string{
	tokenIllegal:    "illegal",
	tokenEOF:        "eof",
	tokenIdentifier: "identifier",
	tokenNumber:     "number",
	tokenString:     "string",
	tokenBool:       "bool",
	tokenNull:       "null",
	tokenAnd:        "&&",
	tokenOr:         "||",
	tokenNot:        "!",
	tokenEq:         "==",
	tokenNeq:        "!=",
	tokenGt:         ">",
	tokenGte:        ">=",
	tokenLt:         "<",
	tokenLte:        "<=",
	tokenLParen:     "(",
	tokenRParen:     ")",
	tokenComma:      ",",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "unknown"
}

type token struct {
	typ     tokenType
	literal string
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]
	two := func(next byte, pair, single tokenType) token {
		if l.peek() == next {
			l.pos += 2
			return token{typ: pair, literal: pair.String()}
		}
		l.pos++
		return token{typ: single, literal: single.String()}
	}

	switch ch {
	case '(':
		l.pos++
		return token{typ: tokenLParen, literal: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, literal: ")"}
	case ',':
		l.pos++
		return token{typ: tokenComma, literal: ","}
	case '!':
		return two('=', tokenNeq, tokenNot)
	case '>':
		return two('=', tokenGte, tokenGt)
	case '<':
		return two('=', tokenLte, tokenLt)
	case '=':
		return two('=', tokenEq, tokenIllegal)
	case '&':
		return two('&', tokenAnd, tokenIllegal)
	case '|':
		return two('|', tokenOr, tokenIllegal)
	case '\'', '"':
		return l.scanString()
	case '$':
		return l.scanReference()
	}

	if isDigit(ch) || (ch == '-' && isDigit(l.peek())) {
		return l.scanNumber()
	}
	if isIdentifierStart(ch) {
		return l.scanWord()
	}
	return token{typ: tokenIllegal, literal: string(ch)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= len(l.input) {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) scanNumber() token {
	start := l.pos
	l.pos++
	hasDot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '.' && !hasDot {
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}
	return token{typ: tokenNumber, literal: l.input[start:l.pos]}
}

// scanReference reads $a.b.c, $!a.b and ${a.b}. The literal keeps the
// leading $ so scopes can tell references from bare words.
func (l *lexer) scanReference() token {
	l.pos++ // $
	if l.pos < len(l.input) && l.input[l.pos] == '!' {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '{' {
		end := strings.IndexByte(l.input[l.pos:], '}')
		if end < 0 {
			return token{typ: tokenIllegal, literal: "unterminated ${"}
		}
		name := strings.TrimSpace(l.input[l.pos+1 : l.pos+end])
		l.pos += end + 1
		return token{typ: tokenIdentifier, literal: "$" + name}
	}
	start := l.pos
	for l.pos < len(l.input) && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	if start == l.pos {
		return token{typ: tokenIllegal, literal: "$"}
	}
	return token{typ: tokenIdentifier, literal: "$" + l.input[start:l.pos]}
}

func (l *lexer) scanWord() token {
	start := l.pos
	for l.pos < len(l.input) && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true", "false":
		return token{typ: tokenBool, literal: literal}
	case "null":
		return token{typ: tokenNull, literal: literal}
	case "and":
		return token{typ: tokenAnd, literal: "&&"}
	case "or":
		return token{typ: tokenOr, literal: "||"}
	case "not":
		return token{typ: tokenNot, literal: "!"}
	}
	return token{typ: tokenIdentifier, literal: literal}
}

func (l *lexer) scanString() token {
	quote := l.input[l.pos]
	l.pos++
	var builder strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.pos++
		if ch == '\\' && l.pos < len(l.input) {
			next := l.input[l.pos]
			l.pos++
			switch next {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(next)
			}
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String()}
		}
		builder.WriteByte(ch)
	}
	return token{typ: tokenIllegal, literal: "unterminated string"}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch) || ch == '.' || ch == '-'
}

// --- Parser ---

type parser struct {
	lex *lexer
	cur token
}

func newParser(lex *lexer) *parser {
	p := &parser{lex: lex}
	p.next()
	return p
}

func (p *parser) next() {
	p.cur = p.lex.nextToken()
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected, p.cur.typ)
	}
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte:
			op := p.cur.typ
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryExpr{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur.typ == tokenNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.next()
		if p.cur.typ == tokenLParen {
			return p.parseCall(tok.literal)
		}
		return &identifierExpr{name: tok.literal}, nil
	case tokenNumber:
		p.next()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.next()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.next()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenNull:
		p.next()
		return &literalExpr{value: nil}, nil
	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.next()
		return inner, nil
	case tokenIllegal:
		return nil, fmt.Errorf("%w: %s", ErrSyntax, tok.literal)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.typ.String())
	}
}

func (p *parser) parseCall(name string) (Node, error) {
	p.next() // (
	call := &callExpr{name: name}
	if p.cur.typ == tokenRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		if p.cur.typ == tokenComma {
			p.next()
			continue
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.next()
		return call, nil
	}
}

// --- AST ---

// Node is a parsed condition.
type Node interface {
	eval(ctx context.Context, st *evalState) (any, error)
}

type evalState struct {
	scope   Scope
	lenient bool
}

type binaryExpr struct {
	op    tokenType
	left  Node
	right Node
}

type notExpr struct {
	operand Node
}

type identifierExpr struct {
	name string
}

type callExpr struct {
	name string
	args []Node
}

type literalExpr struct {
	value any
}

func (n *binaryExpr) eval(ctx context.Context, st *evalState) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.eval(ctx, st)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenAnd, tokenOr:
		leftBool, err := st.bool(leftVal)
		if err != nil {
			return nil, err
		}
		if n.op == tokenAnd && !leftBool {
			return false, nil
		}
		if n.op == tokenOr && leftBool {
			return true, nil
		}
		rightVal, err := n.right.eval(ctx, st)
		if err != nil {
			return nil, err
		}
		return st.bool(rightVal)
	}

	rightVal, err := n.right.eval(ctx, st)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return st.equals(leftVal, rightVal)
	case tokenNeq:
		eq, err := st.equals(leftVal, rightVal)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	default:
		return compare(leftVal, rightVal, n.op)
	}
}

func (n *notExpr) eval(ctx context.Context, st *evalState) (any, error) {
	value, err := n.operand.eval(ctx, st)
	if err != nil {
		return nil, err
	}
	b, err := st.bool(value)
	if err != nil {
		return nil, err
	}
	return !b, nil
}

func (n *identifierExpr) eval(ctx context.Context, st *evalState) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if value, ok := st.scope.Lookup(n.name); ok {
		return value, nil
	}
	if st.lenient {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *callExpr) eval(ctx context.Context, st *evalState) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	args := make([]any, 0, len(n.args))
	for _, arg := range n.args {
		value, err := arg.eval(ctx, st)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return st.scope.Call(n.name, args)
}

func (n *literalExpr) eval(ctx context.Context, _ *evalState) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

// --- Helpers ---

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (st *evalState) bool(value any) (bool, error) {
	if st.lenient {
		return truthy(value), nil
	}
	return toBool(value)
}

func toBool(value any) (bool, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		return true
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (st *evalState) equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}

	if st.lenient {
		return stringify(left) == stringify(right), nil
	}
	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func stringify(value any) string {
	if f, ok := toFloat(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(value)
}

func compare(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply %s to %T and %T", ErrTypeMismatch, op, left, right)
}
