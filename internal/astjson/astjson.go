// Package astjson implements the Generated AST JSON exchange format of
// spec.md §6: the wire format between the source-language front end
// (lexer/layout/parser/normalize) and the two code generators (`matcher`,
// `header`). It is deliberately decoupled from core/ir's in-memory types
// so the wire shape (string actions, tagged-term yields) can evolve
// independently of the generator's internal representation.
package astjson

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/terrors"
)

// Document is the top-level `{rules: [...], groupby?: {...}}` object.
type Document struct {
	Rules   []wireRule   `json:"rules"`
	Groupby *wireGroupby `json:"groupby,omitempty"`
}

type wireGroupby struct {
	Vars         []string `json:"vars"`
	Values       *string  `json:"values,omitempty"` // array param name, e.g. "@users"
	MergeResults bool     `json:"merge_results"`
}

type wireRule struct {
	N       int          `json:"n"`
	Name    string       `json:"name"`
	Outer   *int         `json:"outer,omitempty"`
	Window  *uint64      `json:"window,omitempty"`
	Clauses []wireClause `json:"clauses,omitempty"`
	After   *wireAfter   `json:"after,omitempty"`
}

type wireClause struct {
	Attrs  map[string][]wireGuard `json:"attrs"`
	Action string                 `json:"action"`
	Yield  []wireYield            `json:"yield,omitempty"`
}

type wireAfter struct {
	Action string      `json:"action"`
	Yield  []wireYield `json:"yield,omitempty"`
}

// wireGuard mirrors ir.Guard as a tagged JSON object.
type wireGuard struct {
	Kind       string `json:"kind"` // "eq" | "var_eq" | "set_in" | "ts_cmp"
	Literal    string `json:"literal,omitempty"`
	Var        string `json:"var,omitempty"`
	Op         string `json:"op,omitempty"`
	NumLiteral *int64 `json:"num,omitempty"`
	TSLiteral  *int64 `json:"ts,omitempty"`
	CmpVar     string `json:"cmp_var,omitempty"`
}

// wireYield mirrors ir.Yield: either a bare counter name or a
// destination plus a list of tagged terms.
type wireYield struct {
	Counter string      `json:"counter,omitempty"`
	Dest    string      `json:"dest,omitempty"`
	Terms   []wireTerm  `json:"terms,omitempty"`
}

// wireTerm is the tagged-term encoding `{_k, ...}` required by §6; legacy
// bare-string tuple elements are rejected on decode per the §9 open
// question ("prefer the tagged form and reject bare strings").
type wireTerm struct {
	Kind   string     `json:"_k"`
	Name   string     `json:"name,omitempty"`
	Value  string     `json:"value,omitempty"`
	Window string     `json:"window,omitempty"`
	Args   []wireTerm `json:"args,omitempty"`
}

// Encode converts an analyzed (or merely normalized) flat rule table and
// groupby header into the Generated AST JSON document.
func Encode(flat []ir.FlatRule, groupby *ir.Groupby) ([]byte, error) {
	doc := Document{Rules: make([]wireRule, len(flat))}
	for i, r := range flat {
		doc.Rules[i] = encodeRule(r)
	}
	if groupby != nil {
		wg := &wireGroupby{Vars: groupby.Vars, MergeResults: groupby.MergeResults}
		if groupby.Array != "" {
			wg.Values = &groupby.Array
		}
		doc.Groupby = wg
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses a Generated AST JSON document back into a flat rule
// table and groupby header, ready for internal/analysis.Analyze.
func Decode(data []byte) ([]ir.FlatRule, *ir.Groupby, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, &terrors.SyntaxError{Message: "invalid Generated AST JSON: " + err.Error()}
	}
	flat := make([]ir.FlatRule, len(doc.Rules))
	for i, wr := range doc.Rules {
		fr, err := decodeRule(wr)
		if err != nil {
			return nil, nil, err
		}
		flat[i] = fr
	}
	var gb *ir.Groupby
	if doc.Groupby != nil {
		gb = &ir.Groupby{Vars: doc.Groupby.Vars, MergeResults: doc.Groupby.MergeResults}
		if doc.Groupby.Values != nil {
			gb.Array = *doc.Groupby.Values
		}
	}
	return flat, gb, nil
}

func encodeRule(r ir.FlatRule) wireRule {
	wr := wireRule{N: r.Index, Name: r.Name}
	if r.HasOuter {
		outer := r.Outer
		wr.Outer = &outer
	}
	if r.HasWindow {
		w := r.Window
		wr.Window = &w
	}
	if r.IsWindow() {
		wr.After = &wireAfter{Action: encodeAction(r.After.Action), Yield: encodeYields(r.After.Yields)}
		return wr
	}
	wr.Clauses = make([]wireClause, len(r.Clauses))
	for i, c := range r.Clauses {
		wr.Clauses[i] = wireClause{
			Attrs:  encodeCondition(c.Attrs),
			Action: encodeAction(c.Action),
			Yield:  encodeYields(c.Yields),
		}
	}
	wr.After = &wireAfter{Action: encodeAction(r.After.Action), Yield: encodeYields(r.After.Yields)}
	return wr
}

func encodeCondition(c ir.Condition) map[string][]wireGuard {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string][]wireGuard, len(c))
	for k, guards := range c {
		wgs := make([]wireGuard, len(guards))
		for i, g := range guards {
			wgs[i] = encodeGuard(g)
		}
		out[k] = wgs
	}
	return out
}

func encodeGuard(g ir.Guard) wireGuard {
	wg := wireGuard{Op: g.Op, CmpVar: g.CmpVar}
	switch g.Kind {
	case ir.GuardLiteralEq:
		wg.Kind = "eq"
		wg.Literal = g.Literal
	case ir.GuardVarEq:
		wg.Kind = "var_eq"
		wg.Var = g.Var
	case ir.GuardSetIn:
		wg.Kind = "set_in"
		wg.Var = g.Var
	case ir.GuardTimestampCmp:
		wg.Kind = "ts_cmp"
		if g.HasNumLit {
			n := g.NumLiteral
			wg.NumLiteral = &n
		}
		if g.HasTSLit {
			t := g.TSLiteral
			wg.TSLiteral = &t
		}
	}
	return wg
}

func encodeYields(ys []ir.Yield) []wireYield {
	if ys == nil {
		return nil
	}
	out := make([]wireYield, len(ys))
	for i, y := range ys {
		wy := wireYield{Counter: y.Counter, Dest: y.Dest}
		for _, t := range y.Terms {
			wy.Terms = append(wy.Terms, encodeTerm(t))
		}
		out[i] = wy
	}
	return out
}

func encodeTerm(t ir.Term) wireTerm {
	switch v := t.(type) {
	case ir.FieldTerm:
		return wireTerm{Kind: "field", Name: v.Name}
	case ir.LiteralTerm:
		return wireTerm{Kind: "literal", Value: v.Value}
	case ir.ParamTerm:
		return wireTerm{Kind: "param", Name: v.Name}
	case ir.FCallTerm:
		wt := wireTerm{Kind: "fcall", Name: v.Name}
		for _, a := range v.Args {
			wt.Args = append(wt.Args, encodeTerm(a))
		}
		return wt
	case ir.StartTimestampTerm:
		return wireTerm{Kind: "window_ref", Window: v.Window}
	}
	panic("unreachable term variant")
}

func encodeAction(a ir.Action) string {
	switch a.Kind {
	case ir.ActionBreak:
		return "break"
	case ir.ActionRepeat:
		return "repeat"
	case ir.ActionQuit:
		return "quit"
	case ir.ActionRestartFromHere:
		return fmt.Sprintf("restart-from-here(%d)", a.Target)
	case ir.ActionRestartFromNext:
		return fmt.Sprintf("restart-from-next(%d)", a.Target)
	}
	return "break"
}

func decodeRule(wr wireRule) (ir.FlatRule, error) {
	fr := ir.FlatRule{Index: wr.N, Name: wr.Name}
	if wr.Outer != nil {
		fr.Outer = *wr.Outer
		fr.HasOuter = true
	}
	if wr.Window != nil {
		fr.Window = *wr.Window
		fr.HasWindow = true
	}
	if fr.HasOuter {
		if wr.After == nil {
			return ir.FlatRule{}, &terrors.SyntaxError{Message: fmt.Sprintf("window rule %q missing after", wr.Name)}
		}
		a, err := decodeAfter(*wr.After)
		if err != nil {
			return ir.FlatRule{}, err
		}
		fr.After = a
		return fr, nil
	}
	fr.Clauses = make([]ir.Clause, len(wr.Clauses))
	for i, wc := range wr.Clauses {
		c, err := decodeClause(wc)
		if err != nil {
			return ir.FlatRule{}, err
		}
		fr.Clauses[i] = c
	}
	if wr.After != nil {
		a, err := decodeAfter(*wr.After)
		if err != nil {
			return ir.FlatRule{}, err
		}
		fr.After = a
	}
	return fr, nil
}

func decodeClause(wc wireClause) (ir.Clause, error) {
	c := ir.Clause{Wildcard: len(wc.Attrs) == 0, Attrs: decodeCondition(wc.Attrs)}
	ys, err := decodeYields(wc.Yield)
	if err != nil {
		return ir.Clause{}, err
	}
	c.Yields = ys
	a, err := decodeAction(wc.Action)
	if err != nil {
		return ir.Clause{}, err
	}
	c.Action = a
	return c, nil
}

func decodeAfter(wa wireAfter) (ir.After, error) {
	ys, err := decodeYields(wa.Yield)
	if err != nil {
		return ir.After{}, err
	}
	a, err := decodeAction(wa.Action)
	if err != nil {
		return ir.After{}, err
	}
	return ir.After{Yields: ys, Action: a}, nil
}

func decodeCondition(m map[string][]wireGuard) ir.Condition {
	if len(m) == 0 {
		return nil
	}
	out := make(ir.Condition, len(m))
	for k, wgs := range m {
		gs := make([]ir.Guard, len(wgs))
		for i, wg := range wgs {
			gs[i] = decodeGuard(wg)
		}
		out[k] = gs
	}
	return out
}

func decodeGuard(wg wireGuard) ir.Guard {
	g := ir.Guard{Op: wg.Op, CmpVar: wg.CmpVar}
	switch wg.Kind {
	case "eq":
		g.Kind = ir.GuardLiteralEq
		g.Literal = wg.Literal
	case "var_eq":
		g.Kind = ir.GuardVarEq
		g.Var = wg.Var
	case "set_in":
		g.Kind = ir.GuardSetIn
		g.Var = wg.Var
	case "ts_cmp":
		g.Kind = ir.GuardTimestampCmp
		if wg.NumLiteral != nil {
			g.NumLiteral = *wg.NumLiteral
			g.HasNumLit = true
		}
		if wg.TSLiteral != nil {
			g.TSLiteral = *wg.TSLiteral
			g.HasTSLit = true
		}
	}
	return g
}

func decodeYields(wys []wireYield) ([]ir.Yield, error) {
	if wys == nil {
		return nil, nil
	}
	out := make([]ir.Yield, len(wys))
	for i, wy := range wys {
		y := ir.Yield{Counter: wy.Counter, Dest: wy.Dest}
		for _, wt := range wy.Terms {
			t, err := decodeTerm(wt)
			if err != nil {
				return nil, err
			}
			y.Terms = append(y.Terms, t)
		}
		out[i] = y
	}
	return out, nil
}

func decodeTerm(wt wireTerm) (ir.Term, error) {
	switch wt.Kind {
	case "":
		return nil, &terrors.SyntaxError{Message: "legacy bare-string yield term is not accepted; use a tagged {\"_k\": ...} term"}
	case "field":
		return ir.FieldTerm{Name: wt.Name}, nil
	case "literal":
		return ir.LiteralTerm{Value: wt.Value}, nil
	case "param":
		return ir.ParamTerm{Name: wt.Name}, nil
	case "fcall":
		var args []ir.Term
		for _, a := range wt.Args {
			at, err := decodeTerm(a)
			if err != nil {
				return nil, err
			}
			args = append(args, at)
		}
		return ir.FCallTerm{Name: wt.Name, Args: args}, nil
	case "window_ref":
		return ir.StartTimestampTerm{Window: wt.Window}, nil
	default:
		return nil, &terrors.SyntaxError{Message: "unknown yield term kind: " + wt.Kind}
	}
}

func decodeAction(s string) (ir.Action, error) {
	switch s {
	case "break":
		return ir.Action{Kind: ir.ActionBreak}, nil
	case "repeat":
		return ir.Action{Kind: ir.ActionRepeat}, nil
	case "quit", "stop":
		return ir.Action{Kind: ir.ActionQuit}, nil
	}
	if strings.HasPrefix(s, "restart-from-here(") && strings.HasSuffix(s, ")") {
		n, err := strconv.Atoi(s[len("restart-from-here(") : len(s)-1])
		if err != nil {
			return ir.Action{}, &terrors.SyntaxError{Message: "malformed action: " + s}
		}
		return ir.Action{Kind: ir.ActionRestartFromHere, Target: n}, nil
	}
	if strings.HasPrefix(s, "restart-from-next(") && strings.HasSuffix(s, ")") {
		n, err := strconv.Atoi(s[len("restart-from-next(") : len(s)-1])
		if err != nil {
			return ir.Action{}, &terrors.SyntaxError{Message: "malformed action: " + s}
		}
		return ir.Action{Kind: ir.ActionRestartFromNext, Target: n}, nil
	}
	if s == "restart-from-start" {
		return ir.Action{}, &terrors.UnsupportedAction{Action: s}
	}
	return ir.Action{}, &terrors.SyntaxError{Message: "unknown action: " + s}
}
