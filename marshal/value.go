// Package marshal copies values between independent Lua engines.
//
// Engines never share interpreter objects. Everything that crosses from one
// engine to another is first lifted into a [Value], a small tagged variant
// holding only nil, booleans, numbers, strings and tables of those, and then
// rebuilt inside the destination engine with [ToLua].
//
// Tables also have a textual form, produced by [Serialize] and read back by
// [Decode] or [Deserialize]. The text is plain Lua literal source:
//
//	{[1]="a";[2]=true;["name"]="x";["sub"]={[1]=3.5;};}
package marshal

import (
	"errors"
	"strconv"
)

var (
	// ErrUnsupported is returned when a value of a type that cannot cross an
	// engine boundary is found (functions, userdata, coroutines, bad keys).
	ErrUnsupported = errors.New("unsupported value type")

	// ErrCycle is returned when a table refers to itself.
	ErrCycle = errors.New("table contains a cycle")
)

// Kind tags the concrete type held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindString
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTable:
		return "table"
	}
	return "unknown"
}

// Value is one of Nil, Bool, Number, String or *Table.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

// Nil is the absent value.
type Nil struct{}

// Bool is a boolean value.
type Bool bool

// Number is a Lua number.
type Number float64

// String is a Lua string. It may hold arbitrary bytes.
type String string

func (Nil) Kind() Kind    { return KindNil }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }

func (Nil) String() string { return "nil" }

func (b Bool) String() string { return strconv.FormatBool(bool(b)) }

func (n Number) String() string { return strconv.FormatFloat(float64(n), 'g', -1, 64) }

func (s String) String() string { return string(s) }

func (Nil) isValue()    {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}

// IsNil reports whether v is nil or the Nil value.
func IsNil(v Value) bool {
	return v == nil || v.Kind() == KindNil
}

// Equal reports whether a and b hold the same value. Tables are compared
// deeply, ignoring key order.
func Equal(a, b Value) bool {
	if IsNil(a) || IsNil(b) {
		return IsNil(a) && IsNil(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	if a.Kind() == KindTable {
		return a.(*Table).equal(b.(*Table))
	}
	return a == b
}

// Truthy follows Lua rules: only nil and false are false.
func Truthy(v Value) bool {
	if IsNil(v) {
		return false
	}
	if b, ok := v.(Bool); ok {
		return bool(b)
	}
	return true
}
