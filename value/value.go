// Package value defines the parameter and result values carried by an RPC.
//
// Value is a closed union: the only implementations are the types declared in
// this package. A handler or caller switches on the concrete type:
//
//	switch v := v.(type) {
//	case value.String: ...
//	case value.Int:    ...
//	case value.Array:  ...
//	}
//
// Values are treated as immutable once built. Struct hides its storage behind
// methods so members cannot be changed after construction; Array and Base64
// are plain slices and callers must not modify them after handing them over.
package value

import (
	"fmt"
	"time"
)

// Kind identifies the variant of a Value.
type Kind int

const (
	KindNil Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
	KindDateTime
	KindBase64
	KindArray
	KindStruct
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindString:   "string",
	KindInt:      "int",
	KindDouble:   "double",
	KindBool:     "boolean",
	KindDateTime: "dateTime.iso8601",
	KindBase64:   "base64",
	KindArray:    "array",
	KindStruct:   "struct",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is an RPC parameter or result.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	// Nil is the absent value.
	Nil struct{}
	// String is a text value.
	String string
	// Int is an integer value. The wire only carries 32-bit integers; wider
	// values are rejected by the codec.
	Int int64
	// Double is a finite floating point value.
	Double float64
	// Bool is a boolean value.
	Bool bool
	// Base64 is an opaque byte string.
	Base64 []byte
	// Array is an ordered list of values.
	Array []Value
)

// DateTime is a timestamp. The wire format has second precision and no zone,
// timestamps are carried in UTC.
type DateTime struct {
	time.Time
}

func (Nil) Kind() Kind      { return KindNil }
func (String) Kind() Kind   { return KindString }
func (Int) Kind() Kind      { return KindInt }
func (Double) Kind() Kind   { return KindDouble }
func (Bool) Kind() Kind     { return KindBool }
func (DateTime) Kind() Kind { return KindDateTime }
func (Base64) Kind() Kind   { return KindBase64 }
func (Array) Kind() Kind    { return KindArray }
func (Struct) Kind() Kind   { return KindStruct }

func (Nil) isValue()      {}
func (String) isValue()   {}
func (Int) isValue()      {}
func (Double) isValue()   {}
func (Bool) isValue()     {}
func (DateTime) isValue() {}
func (Base64) isValue()   {}
func (Array) isValue()    {}
func (Struct) isValue()   {}

// NewDateTime returns a DateTime truncated to the precision the wire carries.
func NewDateTime(t time.Time) DateTime {
	return DateTime{t.UTC().Truncate(time.Second)}
}

// Equal reports whether a and b are structurally equal. Struct equality
// ignores member order; array equality does not. A nil interface is equal to
// Nil.
func Equal(a, b Value) bool {
	if a == nil {
		a = Nil{}
	}
	if b == nil {
		b = Nil{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch a := a.(type) {
	case Nil:
		return true
	case String:
		return a == b.(String)
	case Int:
		return a == b.(Int)
	case Double:
		return a == b.(Double)
	case Bool:
		return a == b.(Bool)
	case DateTime:
		return a.Equal(b.(DateTime).Time)
	case Base64:
		bb := b.(Base64)
		if len(a) != len(bb) {
			return false
		}
		for i := range a {
			if a[i] != bb[i] {
				return false
			}
		}
		return true
	case Array:
		bb := b.(Array)
		if len(a) != len(bb) {
			return false
		}
		for i := range a {
			if !Equal(a[i], bb[i]) {
				return false
			}
		}
		return true
	case Struct:
		bb := b.(Struct)
		if a.Len() != bb.Len() {
			return false
		}
		for _, k := range a.keys {
			other, ok := bb.Get(k)
			if !ok || !Equal(a.vals[k], other) {
				return false
			}
		}
		return true
	}
	return false
}

// Format renders v in a compact, human readable form for logs and error text.
func Format(v Value) string {
	switch v := v.(type) {
	case nil, Nil:
		return "nil"
	case String:
		return fmt.Sprintf("%q", string(v))
	case Int:
		return fmt.Sprintf("%d", int64(v))
	case Double:
		return fmt.Sprintf("%g", float64(v))
	case Bool:
		return fmt.Sprintf("%t", bool(v))
	case DateTime:
		return v.UTC().Format("20060102T15:04:05")
	case Base64:
		return fmt.Sprintf("base64(%d bytes)", len(v))
	case Array:
		s := "["
		for i, e := range v {
			if i > 0 {
				s += ", "
			}
			s += Format(e)
		}
		return s + "]"
	case Struct:
		s := "{"
		for i, m := range v.Members() {
			if i > 0 {
				s += ", "
			}
			s += m.Name + ": " + Format(m.Value)
		}
		return s + "}"
	}
	return fmt.Sprintf("%v", v)
}
