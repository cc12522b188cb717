package codegen

import (
	"fmt"
	"sort"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// MatcherOptions configures matcher emission.
type MatcherOptions struct {
	// Debug is not read by GenerateMatcher: the emitted matcher contains
	// no `#if DEBUG ... #endif` trace blocks whatever its value.
	Debug bool

	// Includes are extra header names emitted as `#include "<name>"`
	// directives after trck_runtime.h, from the CLI's repeatable
	// `matcher --include` flag.
	Includes []string
}

// GenerateMatcher emits the matcher translation unit described by
// spec.md §4.5: struct prologue, initialization routines, and the
// labeled jump-table scanning loop.
func GenerateMatcher(p *ir.Program, opts MatcherOptions) ([]byte, error) {
	log := xlog.Stage("codegen.matcher")
	w := NewWriter()

	w.O("/* generated by trck — do not edit by hand */")
	w.O("#include \"trck_runtime.h\"")
	for _, inc := range opts.Includes {
		w.Of("#include \"%s\"", inc)
	}
	w.O("")

	emitPrologue(w, p)
	w.O("")
	emitInit(w, p)
	w.O("")
	if err := emitMatchTrail(w, p, opts); err != nil {
		return nil, err
	}
	w.O("")
	emitStabilityHelpers(w, p)

	log.Debug("generated matcher", "bytes", len(w.String()))
	return w.Bytes(), nil
}

// sortedKeys returns attribute key names in deterministic order
// (testable property 1: no hash-iteration-order leakage).
func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func emitPrologue(w *Writer, p *ir.Program) {
	w.Block("typedef struct kvids", func() {
		for _, key := range sortedKeys(p.AttrKeys) {
			w.Of("int %s;", KeyIdent(key))
			values := p.AttrKeys[key]
			for _, v := range values {
				w.Of("int %s;", ValueIdent(key, v))
			}
		}
		vars := append([]string(nil), p.Vars...)
		sort.Strings(vars)
		for _, v := range vars {
			switch v[0] {
			case '%':
				w.Of("int %s;", VarIdent(v))
				w.Of("char *%s;", VarStrIdent(v))
				w.Of("int %s;", VarStrLenIdent(v))
			case '#', '&':
				w.Of("set_t *%s;", VarIdent(v))
			}
		}
	})
	w.O("kvids_t;")
	w.O("")

	w.Block("typedef struct results", func() {
		for _, c := range sortedSet(p.YieldCounters) {
			w.Of("uint64_t %s;", CounterIdent(c))
		}
		for _, s := range sortedSet(p.YieldSets) {
			w.Of("set_t *%s;", SetIdent(s))
		}
		for _, m := range sortedSet(p.YieldMultisets) {
			w.Of("mset_t *%s;", MultisetIdent(m))
		}
		for _, h := range sortedSet(p.YieldHLLs) {
			w.Of("hll_t *%s;", HLLIdent(h))
		}
	})
	w.O("results_t;")
	w.O("")

	w.Block("typedef struct outer", func() {
		w.O("uint64_t window_expires;")
		w.O("int64_t id;")
	})
	w.O("outer_t;")
	w.O("")

	w.Block("typedef struct state", func() {
		w.O("int ri;")
		if len(p.WindowRuleIDs) > 0 {
			w.Of("outer_t outers[%d];", len(p.WindowRuleIDs)+1)
		}
		if !p.NoRewind {
			w.O("int64_t start;")
		}
	})
	w.O("state_t;")
}

func emitInit(w *Writer, p *ir.Program) {
	w.Block("static void match_init_kvids(kvids_t *ids, void *db)", func() {
		for _, key := range sortedKeys(p.AttrKeys) {
			w.Of("ids->%s = db_get_key_id(%q, db);", KeyIdent(key), key)
			for _, v := range p.AttrKeys[key] {
				w.Of("ids->%s = db_get_value_id(%q, %d, ids->%s, db);", ValueIdent(key, v), v, len(v), KeyIdent(key))
			}
		}
		vars := append([]string(nil), p.Vars...)
		sort.Strings(vars)
		for _, v := range vars {
			switch v[0] {
			case '%':
				w.Of("ids->%s = -1;", VarIdent(v))
				w.Of("ids->%s = NULL;", VarStrIdent(v))
				w.Of("ids->%s = 0;", VarStrLenIdent(v))
			case '#', '&':
				w.Of("ids->%s = set_new();", VarIdent(v))
			}
		}
	})
	w.O("")
	w.Block("static void match_init_state(state_t *state)", func() {
		w.Of("state->ri = %d;", p.Entrypoint)
		for i := 0; i <= len(p.WindowRuleIDs); i++ {
			w.Of("state->outers[%d].id = -1;", i)
		}
		if !p.NoRewind {
			w.O("state->start = 0;")
		}
	})
}

func emitMatchTrail(w *Writer, p *ir.Program, opts MatcherOptions) error {
	var genErr error
	w.Block("int match_trail(ctx_t *ctx, kvids_t *ids, state_t *state, results_t *results)", func() {
		w.O("int abort = 0;")
		w.O("uint64_t timestamp;")
		w.O("item_t item;")
		w.Of("goto RULE_START_r%d;", p.Entrypoint)
		w.O("")

		for i, r := range p.Rules {
			if r.IsWindow() {
				emitWindowRule(w, p, r)
				continue
			}
			if err := emitReceiveRule(w, p, r, opts); err != nil {
				genErr = err
				return
			}
			_ = i
		}

		w.O("STOP:")
		w.O("return abort;")
	})
	return genErr
}

func emitWindowRule(w *Writer, p *ir.Program, r ir.FlatRule) {
	w.Of("RULE_START_r%d:", r.Index)
	depth := len(r.RuleWindows)
	w.Of("state->outers[%d].id = %d;", depth, r.Index)
	if r.Window == ir.EXPIRES_NEVER {
		w.Of("state->outers[%d].window_expires = EXPIRES_NEVER;", depth)
	} else {
		w.Of("state->outers[%d].window_expires = timestamp + %dULL; /* window %s */", depth, r.Window, r.Name)
	}
	w.Of("goto RULE_START_r%d;", r.Index+1)
	w.O("")
	// Reached only via goto from a nested receive rule's window-expiry
	// check (§4.5 "for each open outer: execute its after action"), never
	// by fallthrough.
	emitAfter(w, p, r, r.After, fmt.Sprintf("DISPATCH_WINDOW_AFTER_r%d", r.Index))
}

func emitReceiveRule(w *Writer, p *ir.Program, r ir.FlatRule, opts MatcherOptions) error {
	w.Of("RULE_START_r%d:", r.Index)
	w.Of("CONTINUE_r%d:", r.Index)
	w.Block("while (!ctx_end_of_trail(ctx))", func() {
		w.O("item = ctx_get_item(ctx);")
		w.O("timestamp = item_get_timestamp(item);")
		w.Block("if (!item_is_empty(item))", func() {
			matched := false
			for ci, c := range r.Clauses {
				if c.Wildcard {
					matched = true
				}
				w.Of("/* clause %d */", ci)
				if err := emitClause(w, p, r, ci, c, opts); err != nil {
					return
				}
			}
			if !matched {
				w.O("error(\"non-exhaustive clauses at statement " + r.Name + "\");")
			}
		})
		w.Block("if (item_is_empty(item))", func() {
			w.O("ctx_advance(ctx);")
		})
		// Each enclosing window's rule index is fixed at this point in the
		// rule table (§4.3 "window containment"), so the dispatch target
		// for each depth is known at codegen time — no runtime dispatch
		// table is needed.
		for depth := len(r.RuleWindows); depth >= 1; depth-- {
			windowIdx := r.RuleWindows[depth-1]
			w.Block(fmt.Sprintf("if (state->outers[%d].id != -1 && timestamp >= state->outers[%d].window_expires)", depth-1, depth-1), func() {
				w.Of("state->outers[%d].id = -1;", depth-1)
				w.Of("goto DISPATCH_WINDOW_AFTER_r%d;", windowIdx)
			})
		}
	})
	emitAfter(w, p, r, r.After, fmt.Sprintf("AFTER_r%d", r.Index))
	return nil
}

func emitClause(w *Writer, p *ir.Program, r ir.FlatRule, ci int, c ir.Clause, opts MatcherOptions) error {
	return w.blockErr(func() error {
		w.O("bool clause_match = true;")
		if !c.Wildcard {
			// Attribute keys are checked in reverse lexical order.
			keys := sortedKeys(attrsToMap(c.Attrs))
			for i := len(keys) - 1; i >= 0; i-- {
				key := keys[i]
				for _, g := range c.Attrs[key] {
					emitGuard(w, key, g)
				}
			}
		}
		w.Block("if (clause_match)", func() {
			for _, y := range c.Yields {
				emitYield(w, p, r, y)
			}
			emitActionCode(w, p, r.Index, c.Action)
		})
		return nil
	})
}

// blockErr is a small adapter so emitClause's body can return an error
// through Writer.Block's error-less callback signature.
func (w *Writer) blockErr(f func() error) error {
	var err error
	w.Block("", func() { err = f() })
	return err
}

func attrsToMap(c ir.Condition) map[string][]string {
	// helper purely to reuse sortedKeys' signature; values are unused.
	out := make(map[string][]string, len(c))
	for k := range c {
		out[k] = nil
	}
	return out
}

func emitGuard(w *Writer, key string, g ir.Guard) {
	switch g.Kind {
	case ir.GuardLiteralEq:
		w.Of("clause_match = clause_match && (item_get_value_id(item, ids->%s) == ids->%s);", KeyIdent(key), ValueIdent(key, g.Literal))
	case ir.GuardVarEq:
		w.O("ctx_update_stats(ctx, GROUPBY_USED);")
		w.Of("clause_match = clause_match && (item_get_value_id(item, ids->%s) == ids->%s);", KeyIdent(key), VarIdent(g.Var))
	case ir.GuardSetIn:
		w.O("ctx_update_stats(ctx, GROUPBY_USED);")
		w.Of("clause_match = clause_match && set_contains(ids->%s, item_get_value_id(item, ids->%s));", VarIdent(g.Var), KeyIdent(key))
	case ir.GuardTimestampCmp:
		rhs := ""
		switch {
		case g.HasNumLit:
			rhs = fmt.Sprintf("%d", g.NumLiteral)
		case g.HasTSLit:
			rhs = fmt.Sprintf("%dULL", g.TSLiteral)
		case g.CmpVar != "":
			w.O("ctx_update_stats(ctx, GROUPBY_USED);")
			rhs = fmt.Sprintf("ids->%s", VarIdent(g.CmpVar))
		}
		w.Of("clause_match = clause_match && (timestamp %s %s);", g.Op, rhs)
	}
}

func emitYield(w *Writer, p *ir.Program, r ir.FlatRule, y ir.Yield) {
	if y.Counter != "" {
		w.Of("results->%s++;", CounterIdent(y.Counter))
		return
	}
	w.Block("", func() {
		for i, t := range y.Terms {
			emitTermEval(w, p, r.Index, fmt.Sprintf("t%d", i), t)
		}
		args := make([]string, len(y.Terms))
		for i := range y.Terms {
			args[i] = fmt.Sprintf("t%d_buf, t%d_len", i, i)
		}
		switch y.Dest[0] {
		case '#':
			w.Of("set_insert(&results->%s, %s);", SetIdent(y.Dest), joinArgs(args))
		case '&':
			w.Of("mset_insert(&results->%s, %s);", MultisetIdent(y.Dest), joinArgs(args))
		case '^':
			w.Of("results->%s = hll_insert(results->%s, %s);", HLLIdent(y.Dest), HLLIdent(y.Dest), joinArgs(args))
		}
	})
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

func emitTermEval(w *Writer, p *ir.Program, ruleIdx int, name string, t ir.Term) {
	switch v := t.(type) {
	case ir.FieldTerm:
		if v.Name == "cookie" {
			w.Of("char %s_buf[16]; int %s_len = 16; ctx_get_cookie(ctx, %s_buf);", name, name, name)
			return
		}
		if v.Name == "timestamp" {
			w.Of("char %s_buf[32]; int %s_len = format_u64(%s_buf, timestamp);", name, name, name)
			return
		}
		w.Of("int %s_len; char *%s_buf = ctx_get_item_value(ctx, item, ids->%s, &%s_len);", name, name, KeyIdent(v.Name), name)
	case ir.LiteralTerm:
		w.Of("char *%s_buf = %q; int %s_len = %d;", name, v.Value, name, len(v.Value))
	case ir.ParamTerm:
		w.Of("char *%s_buf = ids->%s; int %s_len = ids->%s;", name, VarStrIdent(v.Name), name, VarStrLenIdent(v.Name))
	case ir.StartTimestampTerm:
		pos, windowIdx, err := resolveWindowSlot(p, ruleIdx, v.Window)
		if err != nil {
			// ValidateStartTimestamps rejects every reference this would
			// hit before GenerateMatcher ever runs.
			panic(fmt.Sprintf("codegen: unresolved start_timestamp window %q on rule %d", v.Window, ruleIdx))
		}
		dur := p.Rules[windowIdx].Window
		w.Of("char %s_buf[32]; int %s_len = format_u64(%s_buf, state->outers[%d].window_expires - %dULL);", name, name, name, pos, dur)
	case ir.FCallTerm:
		for i, a := range v.Args {
			emitTermEval(w, p, ruleIdx, fmt.Sprintf("%s_a%d", name, i), a)
		}
		w.Of("char %s_buf[256]; int %s_cap = 256;", name, name)
		callArgs := ""
		for i := range v.Args {
			callArgs += fmt.Sprintf(", %s_a%d_buf, %s_a%d_len", name, i, name, i)
		}
		w.Of("int %s_len = %s(%s_buf, %s_cap%s);", name, v.Name, name, name, callArgs)
	}
}

func emitActionCode(w *Writer, p *ir.Program, src int, a ir.Action) {
	switch a.Kind {
	case ir.ActionBreak:
		w.O("ctx_advance(ctx);")
		emitBalance(w, p, src, src+1)
		w.Of("goto RULE_START_r%d;", src+1)
	case ir.ActionRepeat:
		w.O("ctx_advance(ctx);")
		w.Of("goto CONTINUE_r%d;", src)
	case ir.ActionRestartFromHere:
		emitBalance(w, p, src, a.Target)
		w.Of("goto RULE_START_r%d;", a.Target)
	case ir.ActionRestartFromNext:
		w.O("ctx_advance(ctx);")
		emitBalance(w, p, src, a.Target)
		w.Of("goto RULE_START_r%d;", a.Target)
	case ir.ActionQuit:
		w.O("abort = 1;")
		w.O("state->ri = -1;")
		w.O("goto STOP;")
	}
}

// emitBalance implements §4.5 "Window balancing": clear the outer slot
// one past the destination's window depth when the destination's window
// stack is a strict prefix of the source's.
func emitBalance(w *Writer, p *ir.Program, src, dst int) {
	if len(p.WindowRuleIDs) == 0 {
		return
	}
	if dst < 0 || dst >= len(p.Rules) {
		return
	}
	srcWin, dstWin := p.RuleWindows[src], p.RuleWindows[dst]
	if len(dstWin) < len(srcWin) {
		w.Of("state->outers[%d].id = -1;", len(dstWin))
		w.Of("state->outers[%d].window_expires = 0;", len(dstWin))
	}
}

func emitAfter(w *Writer, p *ir.Program, r ir.FlatRule, a ir.After, label string) {
	w.Of("%s:", label)
	w.Block("", func() {
		for _, y := range a.Yields {
			emitYield(w, p, r, y)
		}
		emitActionCode(w, p, r.Index, a.Action)
	})
}

func emitStabilityHelpers(w *Writer, p *ir.Program) {
	w.Block("int match_is_initial_state(state_t *state)", func() {
		conds := []string{fmt.Sprintf("state->ri == %d", p.Entrypoint)}
		for i := 0; i <= len(p.WindowRuleIDs); i++ {
			conds = append(conds, fmt.Sprintf("state->outers[%d].id == -1", i))
		}
		if !p.NoRewind {
			conds = append(conds, "state->start == 0")
		}
		w.Of("return %s;", joinAnd(conds))
	})
	w.O("")
	w.Block("int match_same_state(state_t *a, state_t *b)", func() {
		conds := []string{"a->ri == b->ri"}
		for i := 0; i <= len(p.WindowRuleIDs); i++ {
			conds = append(conds, fmt.Sprintf("a->outers[%d].id == b->outers[%d].id", i, i))
			conds = append(conds, fmt.Sprintf("(a->outers[%d].id == -1 || a->outers[%d].window_expires == b->outers[%d].window_expires)", i, i, i))
		}
		if !p.NoRewind {
			conds = append(conds, "a->start == b->start")
		}
		w.Of("return %s;", joinAnd(conds))
	})
}

func joinAnd(conds []string) string {
	out := ""
	for i, c := range conds {
		if i > 0 {
			out += " && "
		}
		out += "(" + c + ")"
	}
	return out
}

// ValidateStartTimestamps implements the MissingWindowDuration check:
// yielding start_timestamp inside a rule whose enclosing window is
// infinite is a codegen error (§4.5 Yield emission, §7 error taxonomy).
func ValidateStartTimestamps(p *ir.Program) error {
	var walk func(terms []ir.Term, ruleIdx int) error
	walk = func(terms []ir.Term, ruleIdx int) error {
		for _, t := range terms {
			switch v := t.(type) {
			case ir.StartTimestampTerm:
				win, err := resolveWindow(p, ruleIdx, v.Window)
				if err != nil {
					return err
				}
				if win == ir.EXPIRES_NEVER {
					return &terrors.MissingWindowDuration{Window: v.Window}
				}
			case ir.FCallTerm:
				if err := walk(v.Args, ruleIdx); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i, r := range p.Rules {
		if r.IsWindow() {
			for _, y := range r.After.Yields {
				if err := walk(y.Terms, i); err != nil {
					return err
				}
			}
			continue
		}
		for _, c := range r.Clauses {
			for _, y := range c.Yields {
				if err := walk(y.Terms, i); err != nil {
					return err
				}
			}
		}
		for _, y := range r.After.Yields {
			if err := walk(y.Terms, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveWindowSlot resolves a (possibly unnamed) start_timestamp window
// reference from ruleIdx to the outers[] array position and declaring
// rule index it names: an unnamed reference means the innermost
// enclosing window, a named one is looked up among the enclosing list.
func resolveWindowSlot(p *ir.Program, ruleIdx int, name string) (pos int, windowIdx int, err error) {
	rw := p.RuleWindows[ruleIdx]
	if len(rw) == 0 {
		return 0, 0, &terrors.MissingWindowDuration{Window: name}
	}
	pos, windowIdx = len(rw)-1, rw[len(rw)-1]
	if name != "" {
		found := false
		for i, wi := range rw {
			if p.Rules[wi].Name == name {
				pos, windowIdx = i, wi
				found = true
				break
			}
		}
		if !found {
			return 0, 0, &terrors.MissingWindowDuration{Window: name}
		}
	}
	return pos, windowIdx, nil
}

func resolveWindow(p *ir.Program, ruleIdx int, name string) (uint64, error) {
	_, windowIdx, err := resolveWindowSlot(p, ruleIdx, name)
	if err != nil {
		return 0, err
	}
	return p.Rules[windowIdx].Window, nil
}
