// Package runtimesim is a Go-only reference simulator for the matching
// algorithm spec.md §4.5 describes. It exists purely as test
// infrastructure: it lets _test.go files assert end-to-end matching
// behavior (which rules fire, what results accumulate) against an
// analyzed ir.Program without compiling and running the generated C.
// It is never invoked by cmd/trck.
package runtimesim

import (
	"github.com/google/uuid"

	"github.com/trck-lang/trck/core/ir"
)

// Item is one event in a synthetic trail.
type Item struct {
	Timestamp uint64
	Fields    map[string]string
}

// Trail is a synthetic per-cookie event sequence, grounded on the
// traildb notion of "trail" the original tool operated on.
type Trail struct {
	Cookie uuid.UUID
	Items  []Item
}

// NewTrail mints a trail with a random synthetic cookie, mirroring the
// teacher's test fixtures' use of github.com/google/uuid for opaque
// test identifiers.
func NewTrail(items ...Item) Trail {
	return Trail{Cookie: uuid.New(), Items: items}
}

// Results accumulates the simulated outcome of running a Program over
// one Trail.
type Results struct {
	Counters  map[string]uint64
	Sets      map[string]map[string]bool
	Multisets map[string]map[string]int
	Fired     []string // in order: rule name per executed clause, rule name + "$after" per executed after
}

func newResults() *Results {
	return &Results{
		Counters:  map[string]uint64{},
		Sets:      map[string]map[string]bool{},
		Multisets: map[string]map[string]int{},
	}
}

// Run simulates p over trail and returns the accumulated results. It
// models rule transitions, window containment and restart semantics
// directly in Go, so tests can assert on bugs in internal/normalize and
// internal/analysis without round-tripping through code generation. It
// differs from the generated matcher in that window expiry runs the
// current receive rule's own `after`, not the window rule's; an item no
// clause matches is skipped instead of raising an error; and variable
// guards and timestamp comparisons are treated as satisfied.
func Run(p *ir.Program, trail Trail) *Results {
	res := newResults()
	ri := p.Entrypoint
	windowExpires := make(map[int]uint64) // window rule index -> expiry
	i := 0

	for ri != -1 && i <= len(trail.Items) {
		rule := p.Rules[ri]
		if rule.IsWindow() {
			windowExpires[ri] = ir.EXPIRES_NEVER
			if rule.HasWindow && i < len(trail.Items) {
				windowExpires[ri] = trail.Items[i].Timestamp + rule.Window
			}
			ri++
			continue
		}

		if i >= len(trail.Items) {
			applyAfter(p, res, rule, &ri)
			continue
		}

		item := trail.Items[i]
		if expired(rule, windowExpires, item.Timestamp) {
			applyAfter(p, res, rule, &ri)
			continue
		}

		matched := false
		for _, c := range rule.Clauses {
			if !c.Wildcard && !matchCondition(c.Attrs, item) {
				continue
			}
			matched = true
			res.Fired = append(res.Fired, rule.Name)
			applyYields(res, c.Yields, item)
			advance := applyAction(p, c.Action, rule.Index, &ri)
			if advance {
				i++
			}
			break
		}
		if !matched {
			i++
		}
	}
	return res
}

func expired(rule ir.FlatRule, windowExpires map[int]uint64, ts uint64) bool {
	for _, w := range rule.RuleWindows {
		if exp, ok := windowExpires[w]; ok && ts >= exp {
			return true
		}
	}
	return false
}

func applyAfter(p *ir.Program, res *Results, rule ir.FlatRule, ri *int) {
	res.Fired = append(res.Fired, rule.Name+"$after")
	applyYields(res, rule.After.Yields, Item{})
	applyAction(p, rule.After.Action, rule.Index, ri)
}

// applyAction mutates *ri per the action kind and returns whether the
// trail cursor should advance.
func applyAction(p *ir.Program, a ir.Action, src int, ri *int) bool {
	switch a.Kind {
	case ir.ActionBreak:
		*ri = src + 1
		return true
	case ir.ActionRepeat:
		return true
	case ir.ActionRestartFromHere:
		*ri = a.Target
		return false
	case ir.ActionRestartFromNext:
		*ri = a.Target
		return true
	case ir.ActionQuit:
		*ri = -1
		return false
	}
	*ri = -1
	return false
}

func matchCondition(cond ir.Condition, item Item) bool {
	for key, guards := range cond {
		val, ok := item.Fields[key]
		for _, g := range guards {
			switch g.Kind {
			case ir.GuardLiteralEq:
				if !ok || val != g.Literal {
					return false
				}
			case ir.GuardVarEq, ir.GuardSetIn:
				// variable bindings are not modeled by the simulator;
				// treat as satisfied so tests can focus on structural
				// control flow instead of binding state.
			case ir.GuardTimestampCmp:
				// timestamp comparisons are not evaluated by the
				// simulator either; treat as satisfied.
			}
		}
	}
	return true
}

func applyYields(res *Results, yields []ir.Yield, item Item) {
	for _, y := range yields {
		if y.Counter != "" {
			res.Counters[y.Counter]++
			continue
		}
		key := renderTerms(y.Terms, item)
		switch y.Dest[0] {
		case '#':
			if res.Sets[y.Dest] == nil {
				res.Sets[y.Dest] = map[string]bool{}
			}
			res.Sets[y.Dest][key] = true
		case '&':
			if res.Multisets[y.Dest] == nil {
				res.Multisets[y.Dest] = map[string]int{}
			}
			res.Multisets[y.Dest][key]++
		}
	}
}

func renderTerms(terms []ir.Term, item Item) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += "\x1f"
		}
		switch v := t.(type) {
		case ir.FieldTerm:
			out += item.Fields[v.Name]
		case ir.LiteralTerm:
			out += v.Value
		default:
			out += "?"
		}
	}
	return out
}
