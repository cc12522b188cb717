package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trck-lang/trck/core/ast"
	"github.com/trck-lang/trck/internal/lexer"
)

func mustParse(t *testing.T, src string) *ast.Program {
	t.Helper()
	raw, err := lexer.New(src).Tokenize()
	require.NoError(t, err)
	toks, err := lexer.Layout(raw)
	require.NoError(t, err)
	prog, err := Parse(toks)
	require.NoError(t, err)
	return prog
}

func TestParseSingleClauseReceiveRule(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> yield $hits, repeat\n"

	prog := mustParse(t, src)
	require.Len(t, prog.Rules, 1)

	r, ok := prog.Rules[0].(*ast.Receive)
	require.True(t, ok)
	assert.Equal(t, "main", r.Name())
	require.Len(t, r.Clauses, 1)

	c := r.Clauses[0]
	assert.False(t, c.Wildcard)
	require.Contains(t, c.Attrs, "action")
	guards := c.Attrs["action"]
	require.Len(t, guards, 1)
	assert.Equal(t, ast.GuardLiteralEq, guards[0].Kind)
	assert.Equal(t, "click", guards[0].Literal)

	require.Len(t, c.Yields, 1)
	assert.Equal(t, "$hits", c.Yields[0].Counter)
	_, isRepeat := c.Action.(ast.ActionRepeat)
	assert.True(t, isRepeat)
	assert.Nil(t, r.After)
}

func TestParseWindowRuleWithAfter(t *testing.T) {
	src := "main ->\n" +
		"    window\n" +
		"        inner ->\n" +
		"            receive\n" +
		"                * -> yield $seen, repeat\n" +
		"    after 30m -> quit\n"

	prog := mustParse(t, src)
	require.Len(t, prog.Rules, 1)

	w, ok := prog.Rules[0].(*ast.Window)
	require.True(t, ok)
	assert.Equal(t, "main", w.Name())
	require.True(t, w.HasDur)
	assert.Equal(t, int64(1800), w.Duration)
	require.Len(t, w.Nested, 1)
	_, isQuit := w.After.Action.(ast.ActionQuit)
	assert.True(t, isQuit)
}

func TestParseWildcardClauseAndLabelTransition(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> other\n" +
		"other ->\n" +
		"    receive\n" +
		"        * -> quit\n"

	prog := mustParse(t, src)
	require.Len(t, prog.Rules, 2)

	main, ok := prog.Rules[0].(*ast.Receive)
	require.True(t, ok)
	require.Len(t, main.Clauses, 1)
	assert.True(t, main.Clauses[0].Wildcard)
	lbl, ok := main.Clauses[0].Action.(ast.ActionLabel)
	require.True(t, ok)
	assert.Equal(t, "other", lbl.Label)
}

func TestParseForeachHeaderWithMergedResults(t *testing.T) {
	src := "foreach %u merged results\n" +
		"    main ->\n" +
		"        receive\n" +
		"            * -> repeat\n"

	prog := mustParse(t, src)
	require.NotNil(t, prog.Foreach)
	assert.Equal(t, "%u", prog.Foreach.ScalarOnly)
	assert.True(t, prog.Foreach.Merged)
	assert.True(t, prog.Foreach.MergedWords)
	require.Len(t, prog.Rules, 1)
}

func TestParseTimestampComparisonCondition(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        timestamp >= '2024-01-01' -> repeat\n"

	prog := mustParse(t, src)
	r := prog.Rules[0].(*ast.Receive)
	guards := r.Clauses[0].Attrs["timestamp"]
	require.Len(t, guards, 1)
	assert.Equal(t, ast.GuardTimestampCmp, guards[0].Kind)
	assert.Equal(t, ">=", guards[0].Op)
	assert.True(t, guards[0].HasTSLit)
}

func TestParseMissingArrowIsSyntaxError(t *testing.T) {
	src := "main\n    receive\n        * -> repeat\n"
	raw, err := lexer.New(src).Tokenize()
	require.NoError(t, err)
	toks, err := lexer.Layout(raw)
	require.NoError(t, err)
	_, err = Parse(toks)
	assert.Error(t, err)
}
