package codegen

import (
	"fmt"
	"strings"
)

// EscapeVarName replaces every byte outside [A-Za-z0-9_] with its
// two-digit hex encoding, exactly as original_source/src/fsm2c.py's
// escape_var_name (which used Python's str.encode('hex')). The output
// contains only [A-Za-z0-9_]. The mapping is not injective: an escaped
// byte's hex digits are indistinguishable from literal digits, so "a.b"
// and "a2eb" both become "a2eb".
func EscapeVarName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%02x", c)
		}
	}
	return b.String()
}

// KeyIdent names the generated field holding an attribute key's id.
func KeyIdent(key string) string { return "key_" + EscapeVarName(key) }

// ValueIdent names the generated field holding a literal value's id
// under a given key.
func ValueIdent(key, value string) string {
	return fmt.Sprintf("value_%s_%s", EscapeVarName(key), EscapeVarName(value))
}

// VarName strips the leading sigil from a sigiled variable name.
func VarName(sigiled string) string {
	if sigiled == "" {
		return sigiled
	}
	return EscapeVarName(sigiled[1:])
}

// VarIdent names the generated field holding a scalar/set/multiset
// variable's runtime binding.
func VarIdent(sigiled string) string { return "var_" + VarName(sigiled) }

// VarStrIdent names the generated field holding a scalar's bound string
// form (used when the scalar is read back for yields, e.g. %param(...)).
func VarStrIdent(sigiled string) string { return "varstr_" + VarName(sigiled) }

// VarStrLenIdent names the generated field holding the length of
// VarStrIdent.
func VarStrLenIdent(sigiled string) string { return "varstrlen_" + VarName(sigiled) }

// SetIdent, MultisetIdent, HLLIdent name the generated result-struct
// fields for a destination sigil (§4.5 Prologue).
func SetIdent(name string) string      { return "set_" + VarName(name) }
func MultisetIdent(name string) string { return "mset_" + VarName(name) }
func HLLIdent(name string) string      { return "hll_" + VarName(name) }
func CounterIdent(name string) string  { return VarName(name) }
