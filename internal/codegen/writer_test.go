package codegen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterOIndentsAtCurrentLevel(t *testing.T) {
	w := NewWriter()
	w.O("top")
	w.Indent(func() {
		w.O("nested")
	})
	w.O("top again")
	assert.Equal(t, "top\n    nested\ntop again\n", w.String())
}

func TestWriterOfFormats(t *testing.T) {
	w := NewWriter()
	w.Of("int x = %d;", 7)
	assert.Equal(t, "int x = 7;\n", w.String())
}

func TestWriterBlockBracesAndIndents(t *testing.T) {
	w := NewWriter()
	w.Block("void f(void)", func() {
		w.O("return;")
	})
	assert.Equal(t, "void f(void)\n{\n    return;\n}\n", w.String())
}

func TestWriterBlockWithEmptyHeadOmitsHeadLine(t *testing.T) {
	w := NewWriter()
	w.Block("", func() {
		w.O("x = 1;")
	})
	assert.Equal(t, "{\n    x = 1;\n}\n", w.String())
}

func TestWriterNestedBlocksAccumulateIndent(t *testing.T) {
	w := NewWriter()
	w.Block("outer", func() {
		w.Block("inner", func() {
			w.O("deepest;")
		})
	})
	assert.Equal(t, "outer\n{\n    inner\n    {\n        deepest;\n    }\n}\n", w.String())
}

func TestWriterCoSubstitutesInnermostContextWins(t *testing.T) {
	w := NewWriter()
	w.PushContext("name", "outer_val")
	w.Co("x = {name};")
	w.Block("scope", func() {
		w.PushContext("name", "inner_val")
		w.Co("y = {name};")
	})
	w.Co("z = {name};")

	assert.Equal(t, "x = outer_val;\nscope\n{\n    y = inner_val;\n}\nz = outer_val;\n", w.String())
}

func TestWriterBlockErrPropagatesErrorButStillClosesBrace(t *testing.T) {
	w := NewWriter()
	boom := errors.New("boom")
	err := w.blockErr(func() error {
		w.O("before;")
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, "{\n    before;\n}\n", w.String())
}
