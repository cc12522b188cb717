package codegen

import (
	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/xlog"
)

// ProtoOptions configures the optional proto emission path (spec.md
// §4.7). LittleEndian selects the length-prefix order protowire.WriteFrame
// must match at runtime; see internal/protowire for the framing format
// itself.
type ProtoOptions struct {
	LittleEndian bool
	MessageName  string
}

// GenerateProtoGlue emits the proto_add_* helpers and output_proto glue
// that bridge a populated results_t to a marshaled result message,
// grounded on fsm2c.py's (unexercised-by-default) --proto output mode.
func GenerateProtoGlue(p *ir.Program, opts ProtoOptions) []byte {
	log := xlog.Stage("codegen.proto")
	w := NewWriter()

	w.O("/* generated by trck — do not edit by hand */")
	w.O("#include \"trck_runtime.h\"")
	w.Of("#include %q", opts.MessageName+".pb-c.h")
	w.O("")

	emitProtoAdders(w, p, opts)
	w.O("")
	emitOutputGroupbyResultProto(w, p, opts)
	w.O("")
	emitOutputProto(w, opts)

	log.Debug("generated proto glue", "bytes", len(w.String()))
	return w.Bytes()
}

func emitProtoAdders(w *Writer, p *ir.Program, opts ProtoOptions) {
	w.Block("static void proto_add_int(Trck__Result *msg, const char *field, uint64_t v)", func() {
		w.O("proto_set_field_uint64(msg, field, v);")
	})
	w.O("")
	w.Block("static void proto_add_set(Trck__Result *msg, const char *field, set_t *s)", func() {
		w.O("size_t n = set_size(s);")
		w.O("Trck__SetTuple **tuples = proto_alloc_tuples(n);")
		w.Block("for (size_t i = 0; i < n; i++)", func() {
			w.O("tuples[i] = proto_new_set_tuple(set_key_at(s, i), set_value_at(s, i));")
		})
		w.O("proto_set_field_repeated(msg, field, tuples, n);")
	})
	w.O("")
	w.Block("static void proto_add_multiset(Trck__Result *msg, const char *field, mset_t *s)", func() {
		w.O("size_t n = mset_size(s);")
		w.O("Trck__MultisetTuple **tuples = proto_alloc_mtuples(n);")
		w.Block("for (size_t i = 0; i < n; i++)", func() {
			w.O("tuples[i] = proto_new_multiset_tuple(mset_key_at(s, i), mset_value_at(s, i), mset_count_at(s, i));")
		})
		w.O("proto_set_field_repeated(msg, field, tuples, n);")
	})
	w.O("")
	w.Block("static void proto_add_hll(Trck__Result *msg, const char *field, hll_t *h)", func() {
		w.O("proto_set_field_bytes(msg, field, hll_serialize(h), hll_serialized_size(h));")
	})
}

func emitOutputGroupbyResultProto(w *Writer, p *ir.Program, opts ProtoOptions) {
	w.Block("static void output_groupby_result_proto(Trck__Result *msg, const results_t *r, kvids_t *ids)", func() {
		for _, c := range sortedSet(p.YieldCounters) {
			w.Of("proto_add_int(msg, %q, r->%s);", c, CounterIdent(c))
		}
		for _, s := range sortedSet(p.YieldSets) {
			w.Of("proto_add_set(msg, %q, r->%s);", s, SetIdent(s))
		}
		for _, m := range sortedSet(p.YieldMultisets) {
			w.Of("proto_add_multiset(msg, %q, r->%s);", m, MultisetIdent(m))
		}
		for _, h := range sortedSet(p.YieldHLLs) {
			w.Of("proto_add_hll(msg, %q, r->%s);", h, HLLIdent(h))
		}
	})
}

func emitOutputProto(w *Writer, opts ProtoOptions) {
	w.Block("static void output_proto(FILE *out, Trck__Result *msg)", func() {
		w.O("size_t n = trck__result__get_packed_size(msg);")
		w.O("uint8_t *buf = malloc(n);")
		w.O("trck__result__pack(msg, buf);")
		w.O("uint32_t len_prefix = (uint32_t)n;")
		if opts.LittleEndian {
			w.O("len_prefix = htole32(len_prefix);")
		} else {
			w.O("len_prefix = htobe32(len_prefix);")
		}
		w.O("fwrite(&len_prefix, sizeof(len_prefix), 1, out);")
		w.O("fwrite(buf, 1, n, out);")
		w.O("free(buf);")
	})
}
