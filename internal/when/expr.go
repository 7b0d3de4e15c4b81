package when

import (
	"fmt"
	"regexp"
	"strings"
)

// Program is a compiled when-expression. Programs are immutable and safe
// for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// Source returns the original expression text.
func (p *Program) Source() string {
	return p.src
}

// Eval evaluates the program against a snapshot lookup function.
// Evaluation never mutates the store.
func (p *Program) Eval(lookup func(key string) (any, bool)) bool {
	if p.root == nil {
		return true
	}
	return p.root.eval(lookup)
}

// Compile parses an expression into a Program. An empty or
// whitespace-only expression compiles to a program that is always true.
func Compile(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return &Program{src: src}, nil
	}

	p := &parser{lex: newLexer(trimmed)}
	if err := p.next(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("when: unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	return &Program{src: src, root: root}, nil
}

// node is a single expression tree node.
type node interface {
	eval(lookup func(key string) (any, bool)) bool
}

type orNode struct{ left, right node }

func (n orNode) eval(lookup func(string) (any, bool)) bool {
	return n.left.eval(lookup) || n.right.eval(lookup)
}

type andNode struct{ left, right node }

func (n andNode) eval(lookup func(string) (any, bool)) bool {
	return n.left.eval(lookup) && n.right.eval(lookup)
}

type notNode struct{ inner node }

func (n notNode) eval(lookup func(string) (any, bool)) bool {
	return !n.inner.eval(lookup)
}

// keyNode is a bare key truthiness test.
type keyNode struct{ key string }

func (n keyNode) eval(lookup func(string) (any, bool)) bool {
	v, ok := lookup(n.key)
	if !ok {
		return false
	}
	return Truthy(v)
}

// cmpNode is key == "literal" or key != "literal". An absent key compares
// equal to the empty string.
type cmpNode struct {
	key     string
	literal string
	negate  bool
}

func (n cmpNode) eval(lookup func(string) (any, bool)) bool {
	v, _ := lookup(n.key)
	eq := ValueString(v) == n.literal
	if n.negate {
		return !eq
	}
	return eq
}

// matchNode is key =~ /pattern/. Absent keys never match.
type matchNode struct {
	key string
	re  *regexp.Regexp
}

func (n matchNode) eval(lookup func(string) (any, bool)) bool {
	v, ok := lookup(n.key)
	if !ok {
		return false
	}
	return n.re.MatchString(ValueString(v))
}

// inNode is key in ["a", "b"]. Absent keys are never members.
type inNode struct {
	key     string
	members []string
}

func (n inNode) eval(lookup func(string) (any, bool)) bool {
	v, ok := lookup(n.key)
	if !ok {
		return false
	}
	s := ValueString(v)
	for _, m := range n.members {
		if s == m {
			return true
		}
	}
	return false
}

// Token kinds produced by the lexer.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString  // quoted literal
	tokRegex   // /pattern/
	tokAnd     // &&
	tokOr      // ||
	tokNot     // !
	tokEq      // ==
	tokNeq     // !=
	tokMatch   // =~
	tokIn      // in
	tokLParen  // (
	tokRParen  // )
	tokLBrack  // [
	tokRBrack  // ]
	tokComma   // ,
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBrack, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBrack, text: "]", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '&':
		if l.peek(1) != '&' {
			return token{}, fmt.Errorf("when: expected && at offset %d", start)
		}
		l.pos += 2
		return token{kind: tokAnd, text: "&&", pos: start}, nil
	case c == '|':
		if l.peek(1) != '|' {
			return token{}, fmt.Errorf("when: expected || at offset %d", start)
		}
		l.pos += 2
		return token{kind: tokOr, text: "||", pos: start}, nil
	case c == '!':
		if l.peek(1) == '=' {
			l.pos += 2
			return token{kind: tokNeq, text: "!=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokNot, text: "!", pos: start}, nil
	case c == '=':
		switch l.peek(1) {
		case '=':
			l.pos += 2
			return token{kind: tokEq, text: "==", pos: start}, nil
		case '~':
			l.pos += 2
			return token{kind: tokMatch, text: "=~", pos: start}, nil
		}
		return token{}, fmt.Errorf("when: expected == or =~ at offset %d", start)
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '/':
		return l.lexRegex()
	case isIdentStart(c):
		return l.lexIdent()
	default:
		return token{}, fmt.Errorf("when: unexpected character %q at offset %d", c, start)
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("when: unterminated string at offset %d", start)
}

func (l *lexer) lexRegex() (token, error) {
	start := l.pos
	l.pos++ // opening slash
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(c)
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == '/' {
			l.pos++
			return token{kind: tokRegex, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("when: unterminated regex at offset %d", start)
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	text := l.src[start:l.pos]
	if text == "in" {
		return token{kind: tokIn, text: text, pos: start}, nil
	}
	return token{kind: tokIdent, text: text, pos: start}, nil
}

func (l *lexer) peek(ahead int) byte {
	if l.pos+ahead >= len(l.src) {
		return 0
	}
	return l.src[l.pos+ahead]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || c == ':' || c == '-' || (c >= '0' && c <= '9')
}

// parser is a recursive-descent parser over the lexer's token stream.
// Precedence, low to high: ||, &&, unary !, atom.
type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	tok, err := p.lex.lex()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokNot {
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokLParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("when: expected ) at offset %d", p.tok.pos)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		return p.parseAtom()
	default:
		return nil, fmt.Errorf("when: expected key or ( at offset %d", p.tok.pos)
	}
}

// parseAtom parses a bare key or a key followed by ==, !=, =~, or in.
func (p *parser) parseAtom() (node, error) {
	key := p.tok.text
	if err := p.next(); err != nil {
		return nil, err
	}

	switch p.tok.kind {
	case tokEq, tokNeq:
		negate := p.tok.kind == tokNeq
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("when: expected string literal at offset %d", p.tok.pos)
		}
		lit := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		return cmpNode{key: key, literal: lit, negate: negate}, nil

	case tokMatch:
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokRegex {
			return nil, fmt.Errorf("when: expected /pattern/ at offset %d", p.tok.pos)
		}
		re, err := regexp.Compile(p.tok.text)
		if err != nil {
			return nil, fmt.Errorf("when: invalid pattern at offset %d: %w", p.tok.pos, err)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return matchNode{key: key, re: re}, nil

	case tokIn:
		if err := p.next(); err != nil {
			return nil, err
		}
		members, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inNode{key: key, members: members}, nil

	default:
		return keyNode{key: key}, nil
	}
}

func (p *parser) parseList() ([]string, error) {
	if p.tok.kind != tokLBrack {
		return nil, fmt.Errorf("when: expected [ at offset %d", p.tok.pos)
	}
	if err := p.next(); err != nil {
		return nil, err
	}

	var members []string
	for {
		if p.tok.kind == tokRBrack {
			if err := p.next(); err != nil {
				return nil, err
			}
			return members, nil
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("when: expected string literal at offset %d", p.tok.pos)
		}
		members = append(members, p.tok.text)
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			if err := p.next(); err != nil {
				return nil, err
			}
		}
	}
}
