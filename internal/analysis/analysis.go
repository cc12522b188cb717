// Package analysis implements spec.md §4.4: a single walk over the
// flattened rule table that produces the ir.Program symbol tables
// consumed by both code generators.
package analysis

import (
	"sort"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/xlog"
)

const (
	specialKeyCookie    = "cookie"
	specialKeyTimestamp = "timestamp"
)

// Analyze builds an ir.Program from a flattened rule table and the
// optional groupby header. groupby may come straight from the parser
// pipeline or be decoded from the Generated AST JSON (§6) by a later
// `matcher`/`header` invocation — both paths converge on *ir.Groupby.
func Analyze(flat []ir.FlatRule, groupby *ir.Groupby) (*ir.Program, error) {
	log := xlog.Stage("analysis")

	p := &ir.Program{
		Rules:          flat,
		Entrypoint:     0,
		AttrKeys:       map[string][]string{},
		VarField:       map[string]string{},
		YieldCounters:  map[string]bool{},
		YieldSets:      map[string]bool{},
		YieldMultisets: map[string]bool{},
		YieldHLLs:      map[string]bool{},
		RuleWindows:    map[int][]int{},
	}

	attrValueSets := map[string]map[string]bool{}
	varSeen := map[string]bool{}
	externalSeen := map[ir.External]bool{}

	addVar := func(name string) {
		if name == "" || varSeen[name] {
			return
		}
		varSeen[name] = true
		p.Vars = append(p.Vars, name)
	}
	addAttrValue := func(key, value string) {
		if key == specialKeyCookie || key == specialKeyTimestamp {
			return
		}
		if attrValueSets[key] == nil {
			attrValueSets[key] = map[string]bool{}
		}
		if value != "" {
			attrValueSets[key][value] = true
		}
	}
	addExternal := func(name string, arity int) {
		ext := ir.External{Name: name, Arity: arity}
		if !externalSeen[ext] {
			externalSeen[ext] = true
			p.Externals = append(p.Externals, ext)
		}
	}

	var walkTerm func(t ir.Term)
	walkTerm = func(t ir.Term) {
		switch v := t.(type) {
		case ir.FieldTerm:
			addAttrValue(v.Name, "")
		case ir.FCallTerm:
			addExternal(v.Name, len(v.Args))
			for _, a := range v.Args {
				walkTerm(a)
			}
		case ir.ParamTerm, ir.LiteralTerm, ir.StartTimestampTerm:
			// no symbol contribution
		}
	}

	classifyYield := func(y ir.Yield) {
		if y.Counter != "" {
			p.YieldCounters[y.Counter] = true
			return
		}
		switch y.Dest[0] {
		case '#':
			p.YieldSets[y.Dest] = true
		case '&':
			p.YieldMultisets[y.Dest] = true
		case '^':
			p.YieldHLLs[y.Dest] = true
		}
		for _, t := range y.Terms {
			walkTerm(t)
		}
	}

	walkCondition := func(cond ir.Condition) {
		for key, guards := range cond {
			for _, g := range guards {
				switch g.Kind {
				case ir.GuardLiteralEq:
					addAttrValue(key, g.Literal)
				case ir.GuardVarEq, ir.GuardSetIn:
					addVar(g.Var)
					p.VarField[g.Var] = key
				case ir.GuardTimestampCmp:
					if g.CmpVar != "" {
						addVar(g.CmpVar)
						p.VarField[g.CmpVar] = key
					}
				}
			}
		}
	}

	var windowIDs []int
	for i, r := range flat {
		p.RuleWindows[i] = r.RuleWindows
		if r.IsWindow() {
			windowIDs = append(windowIDs, i)
			for _, y := range r.After.Yields {
				classifyYield(y)
			}
			continue
		}
		for _, c := range r.Clauses {
			if !c.Wildcard {
				walkCondition(c.Attrs)
			}
			for _, y := range c.Yields {
				classifyYield(y)
			}
		}
		for _, y := range r.After.Yields {
			classifyYield(y)
		}
	}
	p.WindowRuleIDs = windowIDs

	// no_rewind is true unless some action actually rewinds (§3 invariant I5).
	p.NoRewind = true
	for i, r := range flat {
		actions := []ir.Action{r.After.Action}
		if !r.IsWindow() {
			for _, c := range r.Clauses {
				actions = append(actions, c.Action)
			}
		}
		for _, a := range actions {
			if isRewindAction(a, i) {
				p.NoRewind = false
			}
		}
	}

	if groupby != nil {
		p.Groupby = groupby
		for _, v := range groupby.Vars {
			addVar(v)
		}
	}

	for key, set := range attrValueSets {
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Strings(values)
		p.AttrKeys[key] = values
	}

	log.Debug("analyzed",
		"attr_keys", len(p.AttrKeys), "vars", len(p.Vars),
		"counters", len(p.YieldCounters), "sets", len(p.YieldSets),
		"multisets", len(p.YieldMultisets), "hlls", len(p.YieldHLLs),
		"externals", len(p.Externals), "windows", len(p.WindowRuleIDs),
		"no_rewind", p.NoRewind)
	return p, nil
}

func isRewindAction(a ir.Action, ruleIdx int) bool {
	return a.Kind == ir.ActionRestartFromHere && a.Target <= ruleIdx
}
