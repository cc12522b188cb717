package lexer

import (
	"strconv"

	"github.com/trck-lang/trck/core/token"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// Layout converts the raw WS/NEWLINE token stream produced by Lexer into a
// stream with INDENT/DEDENT/NEWLINE structural tokens, using a stack of
// open indentation widths. It first groups the raw stream into physical
// lines (width + real tokens), drops blank/whitespace-only lines, then
// walks consecutive real lines emitting INDENT once per pushed width,
// DEDENT once per popped width, or NEWLINE for an unchanged width —
// exactly the three cases of a standard indentation-stack filter.
func Layout(raw []token.Token) ([]token.Token, error) {
	log := xlog.Stage("layout")

	type physLine struct {
		width int
		line  int
		toks  []token.Token
	}

	var lines []physLine
	cur := physLine{width: 0, line: 1}
	pendingWidth := 0
	haveWidth := false

	flush := func() {
		if len(cur.toks) > 0 {
			if haveWidth {
				cur.width = pendingWidth
			} else {
				cur.width = 0
			}
			lines = append(lines, cur)
		}
		cur = physLine{}
		pendingWidth = 0
		haveWidth = false
	}

	var eofTok token.Token
	for i := 0; i < len(raw); i++ {
		tok := raw[i]
		switch tok.Type {
		case token.WS:
			w, _ := strconv.Atoi(tok.Text)
			pendingWidth = w
			haveWidth = true
		case token.NEWLINE:
			flush()
		case token.EOF:
			flush()
			eofTok = tok
		default:
			if len(cur.toks) == 0 {
				cur.line = tok.Line
			}
			cur.toks = append(cur.toks, tok)
		}
	}
	flush()

	stack := []int{0}
	var out []token.Token

	for _, ln := range lines {
		switch {
		case ln.width > stack[len(stack)-1]:
			stack = append(stack, ln.width)
			out = append(out, token.Token{Type: token.INDENT, Line: ln.line})
		case ln.width == stack[len(stack)-1]:
			if len(out) > 0 {
				out = append(out, token.Token{Type: token.NEWLINE, Line: ln.line})
			}
		default:
			for len(stack) > 1 && stack[len(stack)-1] > ln.width {
				stack = stack[:len(stack)-1]
				out = append(out, token.Token{Type: token.DEDENT, Line: ln.line})
			}
			if stack[len(stack)-1] != ln.width {
				return nil, &terrors.IndentMismatch{
					Pos:      terrors.Position{Line: ln.line, Col: 1},
					Got:      ln.width,
					Expected: stack[len(stack)-1],
				}
			}
			out = append(out, token.Token{Type: token.NEWLINE, Line: ln.line})
		}
		out = append(out, ln.toks...)
	}

	for len(stack) > 1 {
		stack = stack[:len(stack)-1]
		out = append(out, token.Token{Type: token.DEDENT, Line: eofTok.Line})
	}
	out = append(out, eofTok)

	log.Debug("layout complete", "lines", len(lines), "tokens", len(out))
	return out, nil
}
