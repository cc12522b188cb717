// Package normalize implements spec.md §4.3: it assigns dense indices to
// every rule in source order, flattens nested window rules into a single
// vector, rewrites symbolic transition labels into typed ir.Action
// values, and validates every resulting transition against the window
// prefix invariant (spec.md §3 invariant I1).
package normalize

import (
	"github.com/trck-lang/trck/core/ast"
	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// entry is the pre-flatten intermediate: one ast rule node plus its
// assigned index and (for windows) outer bound, before transitions are
// rewritten and window containment is computed.
type entry struct {
	rule  ast.Rule
	index int
	outer int // valid only when rule is *ast.Window
}

// Normalize runs numbering, flattening, window containment, transition
// rewriting, and transition validation in sequence, returning the dense
// FlatRule vector.
func Normalize(prog *ast.Program) ([]ir.FlatRule, error) {
	log := xlog.Stage("normalize")

	var entries []entry
	assign(prog.Rules, &entries)

	names := map[string]int{}
	for _, e := range entries {
		names[e.rule.Name()] = e.index
	}

	flat := make([]ir.FlatRule, len(entries))
	for _, e := range entries {
		fr, err := buildFlatRule(e, names)
		if err != nil {
			return nil, err
		}
		flat[e.index] = fr
	}

	computeWindowContainment(flat)

	if err := validateTransitions(flat); err != nil {
		return nil, err
	}

	log.Debug("normalized", "rules", len(flat))
	return flat, nil
}

// assign performs the numbering pass: a depth-first pre-order walk that
// assigns each rule its dense index and, for window rules, the
// one-past-last-inner index as Outer.
func assign(rules []ast.Rule, out *[]entry) {
	for _, r := range rules {
		idx := len(*out)
		e := entry{rule: r, index: idx}
		*out = append(*out, e)
		if w, ok := r.(*ast.Window); ok {
			assign(w.Nested, out)
			(*out)[idx].outer = len(*out)
		}
	}
}

func buildFlatRule(e entry, names map[string]int) (ir.FlatRule, error) {
	switch r := e.rule.(type) {
	case *ast.Window:
		win := ir.EXPIRES_NEVER
		if r.HasDur {
			win = uint64(r.Duration)
		}
		after, err := rewriteAfter(r.After, e.index, names, true)
		if err != nil {
			return ir.FlatRule{}, err
		}
		return ir.FlatRule{
			Index: e.index, Name: r.Name(),
			Outer: e.outer, HasOuter: true,
			Window: win, HasWindow: true,
			After: after,
		}, nil

	case *ast.Receive:
		clauses := make([]ir.Clause, len(r.Clauses))
		for i, c := range r.Clauses {
			fc, err := rewriteClause(c, e.index, i, names)
			if err != nil {
				return ir.FlatRule{}, err
			}
			clauses[i] = fc
		}
		var after ir.After
		if r.After != nil {
			a, err := rewriteAfter(*r.After, e.index, names, false)
			if err != nil {
				return ir.FlatRule{}, err
			}
			after = a
		} else {
			// No explicit `after`: default to RestartFromHere(self), per
			// §4.3 step 4 ("missing label defaults to RestartFromHere(self)").
			after = ir.After{Action: ir.Action{Kind: ir.ActionRestartFromHere, Target: e.index}}
		}
		return ir.FlatRule{
			Index: e.index, Name: r.Name(),
			Clauses: clauses,
			After:   after,
		}, nil
	}
	panic("unreachable rule variant")
}

func rewriteClause(c ast.Clause, ruleIdx, clauseIdx int, names map[string]int) (ir.Clause, error) {
	fc := ir.Clause{
		Wildcard: c.Wildcard,
		Yields:   convertYields(c.Yields),
		Line:     c.Line, Col: c.Col,
	}
	if !c.Wildcard {
		fc.Attrs = convertCondition(c.Attrs)
	}
	if c.Action == nil {
		// A clause with yields but no explicit transition: on the
		// entrypoint rule this defaults to `repeat` (the original front
		// end's assign_numeric_labels/convert_transitions special-cases
		// rule 0); on any other rule it is an error, since the author
		// almost always meant to add one.
		if ruleIdx == 0 {
			fc.Action = ir.Action{Kind: ir.ActionRepeat}
			return fc, nil
		}
		return ir.Clause{}, &terrors.UnknownLabel{
			Pos:   terrors.Position{Line: c.Line, Col: c.Col},
			Label: "",
		}
	}
	action, err := rewriteClauseAction(c.Action, ruleIdx, names, c.Line, c.Col)
	if err != nil {
		return ir.Clause{}, err
	}
	fc.Action = action
	return fc, nil
}

// rewriteClauseAction implements the clause side of §4.3 step 4: "repeat"
// and "quit" map literally; a bare label maps to RestartFromNext.
func rewriteClauseAction(a ast.Action, ruleIdx int, names map[string]int, line, col int) (ir.Action, error) {
	switch t := a.(type) {
	case ast.ActionRepeat:
		return ir.Action{Kind: ir.ActionRepeat}, nil
	case ast.ActionQuit:
		return ir.Action{Kind: ir.ActionQuit}, nil
	case ast.ActionLabel:
		if t.Label == "restart-from-start" {
			return ir.Action{}, &terrors.UnsupportedAction{Pos: terrors.Position{Line: line, Col: col}, Action: t.Label}
		}
		target, ok := names[t.Label]
		if !ok {
			return ir.Action{}, &terrors.UnknownLabel{Pos: terrors.Position{Line: line, Col: col}, Label: t.Label}
		}
		return ir.Action{Kind: ir.ActionRestartFromNext, Target: target}, nil
	}
	return ir.Action{}, &terrors.UnknownLabel{Pos: terrors.Position{Line: line, Col: col}}
}

// rewriteAfter implements the after side of §4.3 step 4: "repeat"/"quit"
// literal; a label maps to RestartFromHere; an absent action defaults to
// RestartFromHere(self). This default also applies to window rules: their
// `after` is mandatory, but `after 1m -> yield $x` still has no action.
func rewriteAfter(a ast.After, ruleIdx int, names map[string]int, isWindow bool) (ir.After, error) {
	ia := ir.After{Yields: convertYields(a.Yields)}
	if a.Action == nil {
		ia.Action = ir.Action{Kind: ir.ActionRestartFromHere, Target: ruleIdx}
		return ia, nil
	}
	switch t := a.Action.(type) {
	case ast.ActionRepeat:
		ia.Action = ir.Action{Kind: ir.ActionRepeat}
	case ast.ActionQuit:
		ia.Action = ir.Action{Kind: ir.ActionQuit}
	case ast.ActionLabel:
		if t.Label == "restart-from-start" {
			return ir.After{}, &terrors.UnsupportedAction{Pos: terrors.Position{Line: a.Line, Col: a.Col}, Action: t.Label}
		}
		target, ok := names[t.Label]
		if !ok {
			return ir.After{}, &terrors.UnknownLabel{Pos: terrors.Position{Line: a.Line, Col: a.Col}, Label: t.Label}
		}
		ia.Action = ir.Action{Kind: ir.ActionRestartFromHere, Target: target}
	default:
		return ir.After{}, &terrors.UnknownLabel{Pos: terrors.Position{Line: a.Line, Col: a.Col}}
	}
	return ia, nil
}

func convertCondition(c ast.Condition) ir.Condition {
	if c == nil {
		return nil
	}
	out := make(ir.Condition, len(c))
	for k, guards := range c {
		gs := make([]ir.Guard, len(guards))
		for i, g := range guards {
			gs[i] = ir.Guard{
				Kind: ir.GuardKind(g.Kind), Literal: g.Literal, Var: g.Var,
				Op: g.Op, NumLiteral: g.NumLiteral, HasNumLit: g.HasNumLit,
				TSLiteral: g.TSLiteral, HasTSLit: g.HasTSLit, CmpVar: g.CmpVar,
			}
		}
		out[k] = gs
	}
	return out
}

func convertYields(ys []ast.Yield) []ir.Yield {
	if ys == nil {
		return nil
	}
	out := make([]ir.Yield, len(ys))
	for i, y := range ys {
		out[i] = ir.Yield{Counter: y.Counter, Dest: y.Dest, Terms: convertTerms(y.Terms)}
	}
	return out
}

func convertTerms(ts []ast.Term) []ir.Term {
	if ts == nil {
		return nil
	}
	out := make([]ir.Term, len(ts))
	for i, t := range ts {
		out[i] = convertTerm(t)
	}
	return out
}

func convertTerm(t ast.Term) ir.Term {
	switch v := t.(type) {
	case ast.FieldTerm:
		return ir.FieldTerm{Name: v.Name}
	case ast.LiteralTerm:
		return ir.LiteralTerm{Value: v.Value}
	case ast.ParamTerm:
		return ir.ParamTerm{Name: v.Name}
	case ast.FCallTerm:
		return ir.FCallTerm{Name: v.Name, Args: convertTerms(v.Args)}
	case ast.StartTimestampTerm:
		return ir.StartTimestampTerm{Window: v.Window}
	}
	panic("unreachable term variant")
}

// computeWindowContainment walks the flat vector maintaining a stack of
// currently open window indices (§4.3 step 3). A window is popped once
// its Outer bound is reached.
func computeWindowContainment(flat []ir.FlatRule) {
	var stack []int
	for i := range flat {
		for len(stack) > 0 && i >= flat[stack[len(stack)-1]].Outer {
			stack = stack[:len(stack)-1]
		}
		rw := make([]int, len(stack))
		copy(rw, stack)
		flat[i].RuleWindows = rw
		if flat[i].IsWindow() {
			stack = append(stack, i)
		}
	}
}

// validateTransitions implements §4.3 step 5: for every action with
// target t from source s, rule_windows[t] must be a prefix of
// rule_windows[s].
func validateTransitions(flat []ir.FlatRule) error {
	check := func(s int, a ir.Action) error {
		if a.Kind != ir.ActionRestartFromHere && a.Kind != ir.ActionRestartFromNext {
			return nil
		}
		t := a.Target
		if t < 0 || t >= len(flat) {
			return &terrors.InvalidTransition{From: s, To: t}
		}
		if !isPrefix(flat[t].RuleWindows, flat[s].RuleWindows) {
			return &terrors.InvalidTransition{From: s, To: t}
		}
		return nil
	}

	for i, r := range flat {
		if r.IsWindow() {
			if err := check(i, r.After.Action); err != nil {
				return err
			}
			continue
		}
		for _, c := range r.Clauses {
			if err := check(i, c.Action); err != nil {
				return err
			}
		}
		if err := check(i, r.After.Action); err != nil {
			return err
		}
	}
	return nil
}

func isPrefix(prefix, full []int) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, v := range prefix {
		if full[i] != v {
			return false
		}
	}
	return true
}
