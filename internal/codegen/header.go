package codegen

import (
	"sort"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/xlog"
)

// GenerateHeader emits the companion header translation unit described
// by spec.md §4.6: the result-merging helpers and the constants block a
// driver program links against without needing to parse the matcher's
// generated struct layout.
func GenerateHeader(p *ir.Program) []byte {
	log := xlog.Stage("codegen.header")
	w := NewWriter()

	w.O("/* generated by trck — do not edit by hand */")
	w.O("#ifndef TRCK_MATCH_HEADER_H")
	w.O("#define TRCK_MATCH_HEADER_H")
	w.O("")
	w.O("#include \"trck_runtime.h\"")
	w.O("")

	emitConstants(w, p)
	w.O("")
	emitAddResults(w, p)
	w.O("")
	emitFreeResults(w, p)
	w.O("")
	emitIsZeroResult(w, p)
	w.O("")
	emitNoRewind(w, p)

	w.O("")
	w.O("#endif")

	log.Debug("generated header", "bytes", len(w.String()))
	return w.Bytes()
}

func emitConstants(w *Writer, p *ir.Program) {
	if p.Groupby == nil {
		w.O("#define match_num_groupby_vars 0")
		w.O("#define match_merge_results 0")
		w.O("static const char *match_groupby_vars[] = {NULL};")
		w.O("static const char *match_groupby_array_param = NULL;")
	} else {
		vars := append([]string(nil), p.Groupby.Vars...)
		sort.Strings(vars)
		w.Of("#define match_num_groupby_vars %d", len(vars))
		if p.Groupby.MergeResults {
			w.O("#define match_merge_results 1")
		} else {
			w.O("#define match_merge_results 0")
		}
		w.Block("static const char *match_groupby_vars[] =", func() {
			for _, v := range vars {
				w.Of("%q,", v)
			}
		})
		w.O(";")
		if p.Groupby.Array != "" {
			w.Of("static const char *match_groupby_array_param = %q;", p.Groupby.Array)
		} else {
			w.O("static const char *match_groupby_array_param = NULL;")
		}
	}

	free := make([]string, 0, len(p.YieldCounters)+len(p.YieldSets)+len(p.YieldMultisets)+len(p.YieldHLLs))
	free = append(free, sortedSet(p.YieldCounters)...)
	free = append(free, sortedSet(p.YieldSets)...)
	free = append(free, sortedSet(p.YieldMultisets)...)
	free = append(free, sortedSet(p.YieldHLLs)...)
	sort.Strings(free)
	w.Of("#define match_num_free_vars %d", len(free))
	w.Block("static const char *match_free_vars[] =", func() {
		for _, v := range free {
			w.Of("%q,", v)
		}
	})
	w.O(";")
}

func emitAddResults(w *Writer, p *ir.Program) {
	w.Block("static void match_add_results(results_t *dst, const results_t *src)", func() {
		for _, c := range sortedSet(p.YieldCounters) {
			w.Of("dst->%s += src->%s;", CounterIdent(c), CounterIdent(c))
		}
		for _, s := range sortedSet(p.YieldSets) {
			w.Of("set_union(&dst->%s, src->%s);", SetIdent(s), SetIdent(s))
		}
		for _, m := range sortedSet(p.YieldMultisets) {
			w.Of("mset_union(&dst->%s, src->%s);", MultisetIdent(m), MultisetIdent(m))
		}
		for _, h := range sortedSet(p.YieldHLLs) {
			w.Of("dst->%s = hll_union(dst->%s, src->%s);", HLLIdent(h), HLLIdent(h), HLLIdent(h))
		}
	})
}

func emitFreeResults(w *Writer, p *ir.Program) {
	w.Block("static void match_free_results(results_t *r)", func() {
		for _, s := range sortedSet(p.YieldSets) {
			w.Of("set_free(r->%s);", SetIdent(s))
		}
		for _, m := range sortedSet(p.YieldMultisets) {
			w.Of("mset_free(r->%s);", MultisetIdent(m))
		}
		for _, h := range sortedSet(p.YieldHLLs) {
			w.Of("hll_free(r->%s);", HLLIdent(h))
		}
	})
}

func emitIsZeroResult(w *Writer, p *ir.Program) {
	w.Block("static int match_is_zero_result(const results_t *r)", func() {
		conds := make([]string, 0)
		for _, c := range sortedSet(p.YieldCounters) {
			conds = append(conds, "r->"+CounterIdent(c)+" == 0")
		}
		for _, s := range sortedSet(p.YieldSets) {
			conds = append(conds, "set_is_empty(r->"+SetIdent(s)+")")
		}
		for _, m := range sortedSet(p.YieldMultisets) {
			conds = append(conds, "mset_is_empty(r->"+MultisetIdent(m)+")")
		}
		for _, h := range sortedSet(p.YieldHLLs) {
			conds = append(conds, "hll_is_empty(r->"+HLLIdent(h)+")")
		}
		if len(conds) == 0 {
			w.O("return 1;")
			return
		}
		w.Of("return %s;", joinAnd(conds))
	})
}

func emitNoRewind(w *Writer, p *ir.Program) {
	w.Block("static int match_no_rewind(void)", func() {
		if p.NoRewind {
			w.O("return 1;")
		} else {
			w.O("return 0;")
		}
	})
}
