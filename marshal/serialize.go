package marshal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// EnvelopePrefix marks a base64-wrapped serialized value in plain text.
const EnvelopePrefix = "lua-table:"

// DecodeTimeout bounds evaluation of serialized text when the interpreter
// has no deadline of its own.
const DecodeTimeout = time.Second

// ErrSyntax is returned when serialized text cannot be evaluated.
var ErrSyntax = errors.New("invalid serialized value")

// Serialize encodes v as Lua literal source text. Table keys are written in
// canonical order, so equal tables always produce the same text.
func Serialize(v Value) (string, error) {
	var b strings.Builder
	if err := writeValue(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

// SerializeTable encodes an interpreter table. Nothing is produced unless
// the whole table is serializable.
func SerializeTable(tbl *lua.LTable) (string, error) {
	v, err := FromLua(tbl)
	if err != nil {
		return "", err
	}
	return Serialize(v)
}

func writeValue(b *strings.Builder, v Value) error {
	switch x := v.(type) {
	case nil, Nil:
		b.WriteString("nil")
	case Bool:
		b.WriteString(strconv.FormatBool(bool(x)))
	case Number:
		writeNumber(b, float64(x))
	case String:
		writeString(b, string(x))
	case *Table:
		b.WriteByte('{')
		for _, k := range x.Keys() {
			b.WriteByte('[')
			if err := writeValue(b, k); err != nil {
				return err
			}
			b.WriteString("]=")
			if err := writeValue(b, x.Get(k)); err != nil {
				return err
			}
			b.WriteByte(';')
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}

func writeNumber(b *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		b.WriteString("0/0")
	case math.IsInf(f, 1):
		b.WriteString("1/0")
	case math.IsInf(f, -1):
		b.WriteString("-1/0")
	default:
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				// Three digits so a following digit is not absorbed.
				fmt.Fprintf(b, `\%03d`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Decode evaluates serialized text inside L and returns the resulting
// interpreter value. The chunk runs with an empty environment, so it cannot
// read or change L's globals.
func Decode(L *lua.LState, text string) (lua.LValue, error) {
	fn, err := L.LoadString("return " + text)
	if err != nil {
		return lua.LNil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	L.SetFEnv(fn, L.NewTable())
	if L.Context() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), DecodeTimeout)
		defer cancel()
		L.SetContext(ctx)
		defer L.RemoveContext()
	}
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.SetTop(top)
		return lua.LNil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	lv := L.Get(-1)
	L.SetTop(top)
	return lv, nil
}

// Deserialize evaluates serialized text in a throwaway interpreter and lifts
// the result.
func Deserialize(text string) (Value, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 64, RegistrySize: 256})
	defer L.Close()

	lv, err := Decode(L, text)
	if err != nil {
		return nil, err
	}
	return FromLua(lv)
}

// Wrap encloses serialized text in the base64 envelope.
func Wrap(text string) string {
	return EnvelopePrefix + base64.StdEncoding.EncodeToString([]byte(text))
}

// Unwrap extracts serialized text from an envelope. It reports false when s
// is not a valid envelope.
func Unwrap(s string) (string, bool) {
	rest, ok := strings.CutPrefix(s, EnvelopePrefix)
	if !ok {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
