package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/analysis"
	"github.com/trck-lang/trck/internal/lexer"
	"github.com/trck-lang/trck/internal/normalize"
	"github.com/trck-lang/trck/internal/parser"
	"github.com/trck-lang/trck/internal/terrors"
)

func mustAnalyze(t *testing.T, src string) *ir.Program {
	t.Helper()
	raw, err := lexer.New(src).Tokenize()
	require.NoError(t, err)
	toks, err := lexer.Layout(raw)
	require.NoError(t, err)
	prog, err := parser.Parse(toks)
	require.NoError(t, err)
	flat, err := normalize.Normalize(prog)
	require.NoError(t, err)
	p, err := analysis.Analyze(flat, nil)
	require.NoError(t, err)
	return p
}

func TestGenerateMatcherEmitsPrologueStructsAndIncludes(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> yield $hits, repeat\n" +
		"        * -> repeat\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{Includes: []string{"extra.h"}})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "#include \"trck_runtime.h\"")
	assert.Contains(t, text, "#include \"extra.h\"")
	assert.Contains(t, text, "typedef struct kvids")
	assert.Contains(t, text, "int "+KeyIdent("action")+";")
	assert.Contains(t, text, "int "+ValueIdent("action", "click")+";")
	assert.Contains(t, text, "results_t;")
	assert.Contains(t, text, "uint64_t "+CounterIdent("$hits")+";")
	assert.Contains(t, text, "RULE_START_r0:")
	assert.Contains(t, text, "static void match_init_kvids(kvids_t *ids, void *db)")
	assert.Contains(t, text, "static void match_init_state(state_t *state)")
	assert.Contains(t, text, "int match_trail(ctx_t *ctx, kvids_t *ids, state_t *state, results_t *results)")
	assert.Contains(t, text, "STOP:")
}

func TestGenerateMatcherGuardEmitsLiteralEqCheck(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> repeat\n" +
		"        * -> quit\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	want := "clause_match = clause_match && (item_get_value_id(item, ids->" +
		KeyIdent("action") + ") == ids->" + ValueIdent("action", "click") + ");"
	assert.Contains(t, text, want)
}

func windowProgram(windowDuration uint64) *ir.Program {
	rules := []ir.FlatRule{
		{
			Index: 0, Name: "outer",
			Outer: 2, HasOuter: true,
			Window: windowDuration, HasWindow: true,
			RuleWindows: []int{},
			After:       ir.After{Action: ir.Action{Kind: ir.ActionQuit}},
		},
		{
			Index: 1, Name: "inner",
			Clauses:     []ir.Clause{{Wildcard: true, Action: ir.Action{Kind: ir.ActionRepeat}}},
			RuleWindows: []int{0},
			After:       ir.After{Action: ir.Action{Kind: ir.ActionRestartFromHere, Target: 1}},
		},
	}
	return &ir.Program{
		Rules:         rules,
		Entrypoint:    0,
		AttrKeys:      map[string][]string{},
		WindowRuleIDs: []int{0},
		RuleWindows:   map[int][]int{0: {}, 1: {0}},
	}
}

func TestGenerateMatcherWindowRuleEmitsFiniteExpiry(t *testing.T) {
	p := windowProgram(1800)
	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "state->outers[0].id = 0;")
	assert.Contains(t, text, "state->outers[0].window_expires = timestamp + 1800ULL; /* window outer */")
	assert.Contains(t, text, "goto RULE_START_r1;")
}

func TestGenerateMatcherWindowRuleEmitsInfiniteExpiry(t *testing.T) {
	p := windowProgram(ir.EXPIRES_NEVER)
	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "state->outers[0].window_expires = EXPIRES_NEVER;")
	assert.NotContains(t, text, "window_expires = timestamp +")
}

func TestGenerateMatcherOuterDispatchChecksDeepestWindowFirst(t *testing.T) {
	p := windowProgram(1800)
	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "if (state->outers[0].id != -1 && timestamp >= state->outers[0].window_expires)")
	// inner's enclosing window is rule 0 ("outer"): expiry must dispatch to
	// that window's own after label, not a generic shared one.
	assert.Contains(t, text, "goto DISPATCH_WINDOW_AFTER_r0;")
}

func TestGenerateMatcherWindowRuleEmitsOwnAfterAtDistinctLabel(t *testing.T) {
	p := windowProgram(1800)
	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "DISPATCH_WINDOW_AFTER_r0:")
	// outer's own after is `quit` (windowProgram's fixture): the dispatch
	// block must execute outer's action, and come before inner's own rule
	// body (rules are emitted in index order).
	labelIdx := strings.Index(text, "DISPATCH_WINDOW_AFTER_r0:")
	abortIdx := strings.Index(text, "abort = 1;")
	innerIdx := strings.Index(text, "RULE_START_r1:")
	require.GreaterOrEqual(t, labelIdx, 0)
	require.GreaterOrEqual(t, abortIdx, 0)
	require.GreaterOrEqual(t, innerIdx, 0)
	assert.True(t, labelIdx < abortIdx && abortIdx < innerIdx,
		"expected DISPATCH_WINDOW_AFTER_r0's quit action to appear between its label and inner's rule body")
}

func TestGenerateMatcherEachReceiveRuleGetsADistinctAfterLabel(t *testing.T) {
	src := "A ->\n" +
		"    receive\n" +
		"        * -> B\n" +
		"B ->\n" +
		"    receive\n" +
		"        * -> repeat\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "AFTER_r0:")
	assert.Contains(t, text, "AFTER_r1:")
	assert.Equal(t, 1, strings.Count(text, "AFTER_r0:"))
	assert.Equal(t, 1, strings.Count(text, "AFTER_r1:"))
}

func TestGenerateMatcherStartTimestampYieldComputesFromOuterSlot(t *testing.T) {
	p := windowProgram(1800)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{ir.StartTimestampTerm{}}},
	}

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "format_u64(t0_buf, state->outers[0].window_expires - 1800ULL);")
	assert.NotContains(t, text, "computed in balance")
}

func TestGenerateMatcherNonExhaustiveClausesEmitsRuntimeError(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> repeat\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(out), `error("non-exhaustive clauses at statement main");`)
}

func TestGenerateMatcherExhaustiveWildcardOmitsRuntimeError(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> repeat\n" +
		"        * -> quit\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "non-exhaustive clauses")
}

func TestGenerateMatcherCounterYieldIncrementsResultField(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> yield $hits, repeat\n"
	p := mustAnalyze(t, src)

	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(out), "results->"+CounterIdent("$hits")+"++;")
}

func TestValidateStartTimestampsRejectsInfiniteEnclosingWindow(t *testing.T) {
	p := windowProgram(ir.EXPIRES_NEVER)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{ir.StartTimestampTerm{}}},
	}

	err := ValidateStartTimestamps(p)
	require.Error(t, err)
	var missing *terrors.MissingWindowDuration
	require.ErrorAs(t, err, &missing)
}

func TestValidateStartTimestampsAcceptsFiniteEnclosingWindow(t *testing.T) {
	p := windowProgram(1800)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{ir.StartTimestampTerm{}}},
	}

	assert.NoError(t, ValidateStartTimestamps(p))
}

func TestValidateStartTimestampsResolvesNamedWindowByTraversingEnclosingList(t *testing.T) {
	p := windowProgram(1800)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{ir.StartTimestampTerm{Window: "outer"}}},
	}

	assert.NoError(t, ValidateStartTimestamps(p))
}

func TestValidateStartTimestampsUnknownWindowNameIsAnError(t *testing.T) {
	p := windowProgram(1800)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{ir.StartTimestampTerm{Window: "nope"}}},
	}

	err := ValidateStartTimestamps(p)
	require.Error(t, err)
	var missing *terrors.MissingWindowDuration
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "nope", missing.Window)
}

func TestValidateStartTimestampsWalksIntoFCallArgs(t *testing.T) {
	p := windowProgram(ir.EXPIRES_NEVER)
	p.Rules[1].Clauses[0].Yields = []ir.Yield{
		{Dest: "#seen", Terms: []ir.Term{
			ir.FCallTerm{Name: "wrap", Args: []ir.Term{ir.StartTimestampTerm{}}},
		}},
	}

	err := ValidateStartTimestamps(p)
	require.Error(t, err)
}

func TestValidateStartTimestampsIgnoresRulesWithoutStartTimestampYields(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> yield $hits, repeat\n"
	p := mustAnalyze(t, src)
	assert.NoError(t, ValidateStartTimestamps(p))
}

func TestGenerateMatcherActionRestartFromHereBalancesOuterWindows(t *testing.T) {
	p := windowProgram(1800)
	out, err := GenerateMatcher(p, MatcherOptions{})
	require.NoError(t, err)
	// Target rule 1's window stack ([0]) is the same length as the source
	// clause's ([0]), so no balancing clear should be emitted for it.
	assert.False(t, strings.Contains(string(out), "window_expires = 0;"))
}
