package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trck-lang/trck/core/token"
)

func mustLayout(t *testing.T, src string) []token.Token {
	t.Helper()
	raw, err := New(src).Tokenize()
	require.NoError(t, err)
	out, err := Layout(raw)
	require.NoError(t, err)
	return out
}

func TestLayoutEmitsIndentAndDedent(t *testing.T) {
	src := "a\n    b\nc\n"
	out := mustLayout(t, src)
	types := tokenTypes(t, out)

	assert.Equal(t, []token.Type{
		token.IDENT, token.INDENT, token.IDENT, token.DEDENT, token.NEWLINE, token.IDENT, token.EOF,
	}, types)
}

func TestLayoutDropsBlankLines(t *testing.T) {
	src := "a\n\n\n    b\n"
	out := mustLayout(t, src)
	types := tokenTypes(t, out)
	// blank lines between a and b must not produce spurious NEWLINE/DEDENT pairs
	assert.Equal(t, []token.Type{token.IDENT, token.INDENT, token.IDENT, token.DEDENT, token.EOF}, types)
}

func TestLayoutMismatchedDedentIsAnError(t *testing.T) {
	src := "a\n    b\n  c\n"
	_, err := Layout(mustTokenize(t, src))
	assert.Error(t, err)
}

func mustTokenize(t *testing.T, src string) []token.Token {
	t.Helper()
	toks, err := New(src).Tokenize()
	require.NoError(t, err)
	return toks
}

func TestLayoutUnwindsTrailingIndentAtEOF(t *testing.T) {
	src := "a\n    b\n        c\n"
	out := mustLayout(t, src)
	types := tokenTypes(t, out)
	last := types[len(types)-1]
	secondLast := types[len(types)-2]
	thirdLast := types[len(types)-3]
	assert.Equal(t, token.EOF, last)
	assert.Equal(t, token.DEDENT, secondLast)
	assert.Equal(t, token.DEDENT, thirdLast)
}
