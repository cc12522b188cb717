// Package protoval validates that a user-supplied protobuf message
// descriptor matches the shape the matcher's result struct requires
// (spec.md §4.7 "Schema validation"). It never generates or parses wire
// bytes itself — only descriptor shape checks — so it depends only on
// google.golang.org/protobuf/types/descriptorpb, the same library the
// teacher pack's other protobuf-consuming repos use for descriptor-level
// work rather than hand-rolling field-tag parsing.
package protoval

import (
	"fmt"

	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/codegen"
	"github.com/trck-lang/trck/internal/terrors"
)

// expectedField names the wire shape a single result variable needs.
type expectedField struct {
	name     string
	repeated bool
	kind     descriptorpb.FieldDescriptorProto_Type
	// nested, when non-empty, names the tuple message type the field is
	// expected to reference (SetTuple/MultisetTuple shapes); Validate only
	// checks that some message type name is present.
	nested string
}

// Validate checks msg against every counter/set/multiset/HLL result
// field the analyzed program produces. It returns the first mismatch as
// a *terrors.ProtoSchemaError.
func Validate(p *ir.Program, msg *descriptorpb.DescriptorProto) error {
	byName := make(map[string]*descriptorpb.FieldDescriptorProto, len(msg.GetField()))
	for _, f := range msg.GetField() {
		byName[f.GetName()] = f
	}

	for _, want := range expectedFields(p) {
		got, ok := byName[want.name]
		if !ok {
			return &terrors.ProtoSchemaError{Field: want.name, Reason: "field not present in message descriptor"}
		}
		if got.GetType() != want.kind {
			return &terrors.ProtoSchemaError{Field: want.name, Reason: fmt.Sprintf("expected type %s, got %s", want.kind, got.GetType())}
		}
		isRepeated := got.GetLabel() == descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		if isRepeated != want.repeated {
			return &terrors.ProtoSchemaError{Field: want.name, Reason: "repeated/singular mismatch"}
		}
		if want.nested != "" {
			tn := got.GetTypeName()
			if tn == "" {
				return &terrors.ProtoSchemaError{Field: want.name, Reason: "expected nested message type " + want.nested}
			}
		}
	}
	return nil
}

// ValidateNested checks that a referenced SetTuple/MultisetTuple message
// has exactly the {key, value} or {key, value, count} fields the codegen
// emitter expects, in the described order.
func ValidateNested(name string, msg *descriptorpb.DescriptorProto, withCount bool) error {
	want := []string{"key", "value"}
	if withCount {
		want = append(want, "count")
	}
	fields := msg.GetField()
	if len(fields) != len(want) {
		return &terrors.ProtoSchemaError{Field: name, Reason: fmt.Sprintf("expected %d fields, got %d", len(want), len(fields))}
	}
	for i, f := range fields {
		if f.GetName() != want[i] {
			return &terrors.ProtoSchemaError{Field: name, Reason: fmt.Sprintf("field %d: expected name %q, got %q", i, want[i], f.GetName())}
		}
	}
	return nil
}

func expectedFields(p *ir.Program) []expectedField {
	out := make([]expectedField, 0)
	for _, c := range sortedKeys(p.YieldCounters) {
		out = append(out, expectedField{
			name: "counter_" + codegen.EscapeVarName(codegen.VarName(c)),
			kind: descriptorpb.FieldDescriptorProto_TYPE_UINT64,
		})
	}
	for _, s := range sortedKeys(p.YieldSets) {
		out = append(out, expectedField{
			name:     "set_" + codegen.EscapeVarName(codegen.VarName(s)),
			repeated: true,
			kind:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
			nested:   "SetTuple",
		})
	}
	for _, m := range sortedKeys(p.YieldMultisets) {
		out = append(out, expectedField{
			name:     "multiset_" + codegen.EscapeVarName(codegen.VarName(m)),
			repeated: true,
			kind:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
			nested:   "MultisetTuple",
		})
	}
	for _, h := range sortedKeys(p.YieldHLLs) {
		out = append(out, expectedField{
			name: "hll_" + codegen.EscapeVarName(codegen.VarName(h)),
			kind: descriptorpb.FieldDescriptorProto_TYPE_BYTES,
		})
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// simple insertion sort avoids importing sort twice for a tiny slice;
	// kept in step with analysis.go's determinism contract.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
