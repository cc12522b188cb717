// Package lexer tokenizes trck source text. It is split into two
// cooperating stages, following the teacher's lexer/layout-filter split:
// Lexer produces a flat, pre-layout token stream (including raw
// leading-whitespace and NEWLINE tokens); Layout (layout.go) consumes
// that stream and synthesizes INDENT/DEDENT tokens from a width stack.
package lexer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trck-lang/trck/core/token"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// reserved word table, mirrors original_source/src/trparser.py's `reserved`.
var reserved = token.Keywords

// Lexer scans a single source buffer one token at a time; Tokenize drives
// it to EOF.
type Lexer struct {
	src       string
	pos       int
	line, col int
	atLineStart bool
}

// New creates a Lexer over src.
func New(src string) *Lexer {
	return &Lexer{src: src, line: 1, col: 1, atLineStart: true}
}

func (l *Lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *Lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func isDigit(c byte) bool   { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
func isSigil(c byte) bool {
	switch c {
	case '%', '#', '&', '^', '@', '$':
		return true
	}
	return false
}

// Tokenize runs the lexer to completion and returns the full raw token
// stream, including WS and NEWLINE tokens for the layout filter to
// consume.
func (l *Lexer) Tokenize() ([]token.Token, error) {
	log := xlog.Stage("lexer")
	var toks []token.Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Type == token.EOF {
			break
		}
	}
	log.Debug("tokenized", "count", len(toks))
	return toks, nil
}

func (l *Lexer) next() (token.Token, error) {
	// Leading whitespace on a line is significant; emit it as WS so the
	// layout filter can measure indent width. Interior whitespace is
	// skipped silently.
	if l.atLineStart {
		start := l.pos
		startCol := l.col
		width := 0
		for {
			switch l.peek() {
			case ' ':
				width++
				l.advance()
				continue
			case '\t':
				width += 4 - (width % 4)
				l.advance()
				continue
			}
			break
		}
		if l.pos > start {
			l.atLineStart = false
			return token.Token{Type: token.WS, Text: strconv.Itoa(width), Raw: l.src[start:l.pos], Line: l.line, Col: startCol}, nil
		}
		l.atLineStart = false
	}

	l.skipIntralineWhitespaceAndComments()

	if l.pos >= len(l.src) {
		return token.Token{Type: token.EOF, Line: l.line, Col: l.col}, nil
	}

	line, col := l.line, l.col
	c := l.peek()

	switch {
	case c == '\n':
		l.advance()
		l.atLineStart = true
		return token.Token{Type: token.NEWLINE, Raw: "\n", Line: line, Col: col}, nil

	case c == '-' && l.peekAt(1) == '>':
		l.advance()
		l.advance()
		return token.Token{Type: token.ARROW, Raw: "->", Line: line, Col: col}, nil

	case c == '<' && l.peekAt(1) == '=':
		l.advance()
		l.advance()
		return token.Token{Type: token.LTE, Raw: "<=", Line: line, Col: col}, nil
	case c == '>' && l.peekAt(1) == '=':
		l.advance()
		l.advance()
		return token.Token{Type: token.GTE, Raw: ">=", Line: line, Col: col}, nil
	case c == '=' && l.peekAt(1) == '=':
		l.advance()
		l.advance()
		return token.Token{Type: token.EQEQ, Raw: "==", Line: line, Col: col}, nil
	case c == '<':
		l.advance()
		return token.Token{Type: token.LT, Raw: "<", Line: line, Col: col}, nil
	case c == '>':
		l.advance()
		return token.Token{Type: token.GT, Raw: ">", Line: line, Col: col}, nil
	case c == '=':
		l.advance()
		return token.Token{Type: token.EQ, Raw: "=", Line: line, Col: col}, nil
	case c == ',':
		l.advance()
		return token.Token{Type: token.COMMA, Raw: ",", Line: line, Col: col}, nil
	case c == '*':
		l.advance()
		return token.Token{Type: token.WILDCARD, Raw: "*", Line: line, Col: col}, nil
	case c == '(':
		l.advance()
		return token.Token{Type: token.LPAREN, Raw: "(", Line: line, Col: col}, nil
	case c == ')':
		l.advance()
		return token.Token{Type: token.RPAREN, Raw: ")", Line: line, Col: col}, nil
	case c == '[':
		l.advance()
		return token.Token{Type: token.LBRACK, Raw: "[", Line: line, Col: col}, nil
	case c == ']':
		l.advance()
		return token.Token{Type: token.RBRACK, Raw: "]", Line: line, Col: col}, nil

	case c == '\'':
		return l.lexTimestamp()

	case c == '"':
		return l.lexString()

	case isSigil(c):
		return l.lexSigiled()

	case isDigit(c):
		return l.lexNumberOrTimedelta()

	case isIdentStart(c):
		return l.lexIdentOrKeyword()

	default:
		l.advance()
		return token.Token{}, &terrors.LexerError{
			Pos:     terrors.Position{Line: line, Col: col},
			Message: fmt.Sprintf("unrecognized character %q", c),
		}
	}
}

// skipIntralineWhitespaceAndComments consumes spaces/tabs that are not at
// the start of a line, and `-- comment` to end of line, and
// backslash-newline line continuations.
func (l *Lexer) skipIntralineWhitespaceAndComments() {
	for l.pos < len(l.src) {
		c := l.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			l.advance()
		case c == '\\' && l.peekAt(1) == '\n':
			l.advance()
			l.advance()
		case c == '-' && l.peekAt(1) == '-':
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *Lexer) lexString() (token.Token, error) {
	line, col := l.line, l.col
	rawStart := l.pos
	quote := l.advance()
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: "unterminated string literal"}
		}
		c := l.peek()
		if c == quote {
			l.advance()
			break
		}
		if c == '\\' {
			l.advance()
			if l.pos >= len(l.src) {
				return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: "unterminated escape in string literal"}
			}
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			continue
		}
		sb.WriteByte(l.advance())
	}
	return token.Token{Type: token.STRING, Text: sb.String(), Raw: l.src[rawStart:l.pos], Value: sb.String(), Line: line, Col: col}, nil
}

// lexTimestamp handles 'YYYY-MM-DD' dated literals, disambiguated from
// plain string literals by the fixed date shape.
func (l *Lexer) lexTimestamp() (token.Token, error) {
	line, col := l.line, l.col
	save := l.pos
	l.advance() // opening quote
	start := l.pos
	for l.pos < len(l.src) && l.peek() != '\'' {
		l.advance()
	}
	if l.pos >= len(l.src) {
		return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: "unterminated literal"}
	}
	body := l.src[start:l.pos]
	l.advance() // closing quote

	t, err := time.Parse("2006-01-02", body)
	if err != nil {
		// not a date; rewind and treat as a plain string literal
		l.pos = save
		l.line, l.col = line, col
		return l.lexString()
	}
	return token.Token{
		Type:  token.TIMESTAMP,
		Text:  body,
		Raw:   "'" + body + "'",
		Value: t.UTC().Unix(),
		Line:  line, Col: col,
	}, nil
}

func (l *Lexer) lexSigiled() (token.Token, error) {
	line, col := l.line, l.col
	sigilCh := l.advance()
	if !isIdentStart(l.peek()) {
		return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: fmt.Sprintf("expected identifier after %q", sigilCh)}
	}
	start := l.pos
	for isIdentPart(l.peek()) {
		l.advance()
	}
	name := l.src[start:l.pos]
	var typ token.Type
	switch token.Sigil(sigilCh) {
	case token.SigilScalar:
		typ = token.SCALAR
	case token.SigilCounter:
		typ = token.COUNTER
	case token.SigilSet:
		typ = token.SET
	case token.SigilMultiset:
		typ = token.MULTISET
	case token.SigilHLL:
		typ = token.HLL
	case token.SigilComposite:
		typ = token.COMPOSITE
	}
	return token.Token{
		Type:  typ,
		Text:  name,
		Raw:   string(sigilCh) + name,
		Sigil: token.Sigil(sigilCh),
		Line:  line, Col: col,
	}, nil
}

// lexNumberOrTimedelta recognizes \d+ as NUMBER and \d+[smhd] as TIMEDELTA,
// normalized to seconds.
func (l *Lexer) lexNumberOrTimedelta() (token.Token, error) {
	line, col := l.line, l.col
	start := l.pos
	for isDigit(l.peek()) {
		l.advance()
	}
	digits := l.src[start:l.pos]
	switch l.peek() {
	case 's', 'm', 'h', 'd':
		unit := l.advance()
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: "integer value too large: " + digits}
		}
		seconds := n * unitSeconds(unit)
		return token.Token{
			Type: token.TIMEDELTA, Text: digits + string(unit),
			Raw: digits + string(unit), Value: seconds,
			Line: line, Col: col,
		}, nil
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return token.Token{}, &terrors.LexerError{Pos: terrors.Position{Line: line, Col: col}, Message: "integer value too large: " + digits}
	}
	return token.Token{Type: token.NUMBER, Text: digits, Raw: digits, Value: n, Line: line, Col: col}, nil
}

func unitSeconds(u byte) int64 {
	switch u {
	case 's':
		return 1
	case 'm':
		return 60
	case 'h':
		return 3600
	case 'd':
		return 86400
	}
	return 1
}

func (l *Lexer) lexIdentOrKeyword() (token.Token, error) {
	line, col := l.line, l.col
	start := l.pos
	for isIdentPart(l.peek()) {
		l.advance()
	}
	name := l.src[start:l.pos]
	if kw, ok := reserved[name]; ok {
		return token.Token{Type: kw, Text: name, Raw: name, Line: line, Col: col}, nil
	}
	return token.Token{Type: token.IDENT, Text: name, Raw: name, Line: line, Col: col}, nil
}
