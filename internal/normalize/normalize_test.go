package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trck-lang/trck/core/ast"
	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/lexer"
	"github.com/trck-lang/trck/internal/parser"
	"github.com/trck-lang/trck/internal/terrors"
)

func mustParseProgram(t *testing.T, src string) *ast.Program {
	t.Helper()
	raw, err := lexer.New(src).Tokenize()
	require.NoError(t, err)
	toks, err := lexer.Layout(raw)
	require.NoError(t, err)
	prog, err := parser.Parse(toks)
	require.NoError(t, err)
	return prog
}

func mustNormalize(t *testing.T, src string) []ir.FlatRule {
	t.Helper()
	flat, err := Normalize(mustParseProgram(t, src))
	require.NoError(t, err)
	return flat
}

func TestNormalizeEntrypointMissingActionDefaultsToRepeat(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> yield $hits\n"

	flat := mustNormalize(t, src)
	require.Len(t, flat, 1)
	require.Len(t, flat[0].Clauses, 1)
	assert.Equal(t, ir.ActionRepeat, flat[0].Clauses[0].Action.Kind)
}

func TestNormalizeMissingActionOnNonEntryRuleIsAnError(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> other\n" +
		"other ->\n" +
		"    receive\n" +
		"        action = \"x\" -> yield $c\n" +
		"        * -> repeat\n"

	_, err := Normalize(mustParseProgram(t, src))
	require.Error(t, err)
	var ul *terrors.UnknownLabel
	require.ErrorAs(t, err, &ul)
	assert.Equal(t, "", ul.Label)
}

func TestNormalizeNoExplicitAfterDefaultsToRestartFromHereSelf(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> repeat\n"
	flat := mustNormalize(t, src)
	require.Len(t, flat, 1)
	assert.Equal(t, ir.ActionRestartFromHere, flat[0].After.Action.Kind)
	assert.Equal(t, 0, flat[0].After.Action.Target)
}

func TestNormalizeWindowFlattensNestedRulesAndComputesContainment(t *testing.T) {
	src := "outer ->\n" +
		"    window\n" +
		"        inner ->\n" +
		"            receive\n" +
		"                * -> yield $seen, repeat\n" +
		"    after 30m -> quit\n"

	flat := mustNormalize(t, src)
	require.Len(t, flat, 2)

	assert.True(t, flat[0].IsWindow())
	assert.Equal(t, 2, flat[0].Outer)
	assert.Equal(t, uint64(1800), flat[0].Window)

	assert.False(t, flat[1].IsWindow())
	assert.Equal(t, []int{0}, flat[1].RuleWindows)
}

func TestNormalizeUnknownLabelIsRejected(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> nowhere\n"
	_, err := Normalize(mustParseProgram(t, src))
	var ul *terrors.UnknownLabel
	assert.ErrorAs(t, err, &ul)
	assert.Equal(t, "nowhere", ul.Label)
}

// "restart-from-start" can never actually appear as a lexed ActionLabel
// (hyphens aren't valid identifier characters), but rewriteClauseAction
// still rejects it defensively. Generated AST JSON does not pass through
// here; astjson.decodeAction rejects the action on that path itself.
func TestRewriteClauseActionRejectsRestartFromStart(t *testing.T) {
	_, err := rewriteClauseAction(ast.ActionLabel{Label: "restart-from-start"}, 1, map[string]int{}, 1, 1)
	var ua *terrors.UnsupportedAction
	assert.ErrorAs(t, err, &ua)
}
