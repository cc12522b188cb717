package runtimesim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/analysis"
	"github.com/trck-lang/trck/internal/lexer"
	"github.com/trck-lang/trck/internal/normalize"
	"github.com/trck-lang/trck/internal/parser"
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

func TestRunCountsMatchingClausesAndStopsOnQuit(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"click\" -> yield $hits, repeat\n" +
		"        * -> quit\n"
	p := mustAnalyze(t, src)

	trail := NewTrail(
		Item{Timestamp: 1, Fields: map[string]string{"action": "click"}},
		Item{Timestamp: 2, Fields: map[string]string{"action": "click"}},
		Item{Timestamp: 3, Fields: map[string]string{"action": "other"}},
	)

	res := Run(p, trail)
	assert.Equal(t, uint64(2), res.Counters["$hits"])
	assert.Equal(t, []string{"main", "main", "main"}, res.Fired)
}

func TestRunRestartFromNextAdvancesToNamedRule(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        action = \"start\" -> next\n" +
		"        * -> quit\n" +
		"    after -> quit\n" +
		"next ->\n" +
		"    receive\n" +
		"        action = \"finish\" -> yield $hits, quit\n" +
		"        * -> quit\n" +
		"    after -> quit\n"
	p := mustAnalyze(t, src)

	trail := NewTrail(
		Item{Timestamp: 1, Fields: map[string]string{"action": "start"}},
		Item{Timestamp: 2, Fields: map[string]string{"action": "finish"}},
	)

	res := Run(p, trail)
	assert.Equal(t, uint64(1), res.Counters["$hits"])
	assert.Equal(t, []string{"main", "next"}, res.Fired)
}

func TestRunWindowExpiryDispatchesToAfterAction(t *testing.T) {
	src := "outer ->\n" +
		"    window\n" +
		"        inner ->\n" +
		"            receive\n" +
		"                action = \"click\" -> yield $hits, repeat\n" +
		"                * -> repeat\n" +
		"            after -> yield $done, quit\n" +
		"    after 1m -> quit\n"
	p := mustAnalyze(t, src)

	trail := NewTrail(
		Item{Timestamp: 0, Fields: map[string]string{"action": "click"}},
		Item{Timestamp: 10, Fields: map[string]string{"action": "click"}},
		Item{Timestamp: 100, Fields: map[string]string{"action": "click"}},
	)

	res := Run(p, trail)
	// The window opens at the first item's timestamp (0) with a 60s
	// duration, so it expires at 60: the first two items (t=0, t=10) are
	// inside the window and increment $hits. By the third item (t=100)
	// the window has already expired, so `expired` dispatches inner's
	// own `after` (the simulator only ever fires the after of the
	// receive rule whose window check tripped, not the window
	// statement's own after) instead of evaluating its clauses.
	assert.Equal(t, uint64(2), res.Counters["$hits"])
	assert.Equal(t, uint64(1), res.Counters["$done"])
	assert.Equal(t, []string{"inner", "inner", "inner$after"}, res.Fired)
}

func TestRunSetYieldDeduplicatesByRenderedKey(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> yield field to #seen, repeat\n" +
		"    after -> quit\n"
	p := mustAnalyze(t, src)

	trail := NewTrail(
		Item{Timestamp: 1, Fields: map[string]string{"field": "a"}},
		Item{Timestamp: 2, Fields: map[string]string{"field": "a"}},
		Item{Timestamp: 3, Fields: map[string]string{"field": "b"}},
	)

	res := Run(p, trail)
	require.Contains(t, res.Sets, "#seen")
	assert.Len(t, res.Sets["#seen"], 2)
	assert.True(t, res.Sets["#seen"]["a"])
	assert.True(t, res.Sets["#seen"]["b"])
}

func TestRunMultisetYieldCountsOccurrences(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> yield field to &seen, repeat\n" +
		"    after -> quit\n"
	p := mustAnalyze(t, src)

	trail := NewTrail(
		Item{Timestamp: 1, Fields: map[string]string{"field": "a"}},
		Item{Timestamp: 2, Fields: map[string]string{"field": "a"}},
	)

	res := Run(p, trail)
	require.Contains(t, res.Multisets, "&seen")
	assert.Equal(t, 2, res.Multisets["&seen"]["a"])
}

func TestRunEmptyTrailOnlyFiresAfter(t *testing.T) {
	src := "main ->\n" +
		"    receive\n" +
		"        * -> yield $hits, repeat\n" +
		"    after -> yield $done, quit\n"
	p := mustAnalyze(t, src)

	res := Run(p, NewTrail())
	assert.Equal(t, uint64(0), res.Counters["$hits"])
	assert.Equal(t, uint64(1), res.Counters["$done"])
	assert.Equal(t, []string{"main$after"}, res.Fired)
}
