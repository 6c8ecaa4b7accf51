package marshal

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// FromLua lifts an interpreter value into a Value. Tables are copied
// recursively; nothing of the source state is retained.
func FromLua(lv lua.LValue) (Value, error) {
	return fromLua(lv, make(map[*lua.LTable]bool))
}

func fromLua(lv lua.LValue, path map[*lua.LTable]bool) (Value, error) {
	switch v := lv.(type) {
	case nil:
		return Nil{}, nil
	case *lua.LNilType:
		return Nil{}, nil
	case lua.LBool:
		return Bool(v), nil
	case lua.LNumber:
		return Number(v), nil
	case lua.LString:
		return String(v), nil
	case *lua.LTable:
		if path[v] {
			return nil, ErrCycle
		}
		path[v] = true
		defer delete(path, v)

		t := NewTable()
		var err error
		v.ForEach(func(k, val lua.LValue) {
			if err != nil {
				return
			}
			var key, item Value
			switch k.Type() {
			case lua.LTNumber, lua.LTString:
				key, _ = fromLua(k, path)
			default:
				err = fmt.Errorf("%w: %s key", ErrUnsupported, k.Type())
				return
			}
			if item, err = fromLua(val, path); err != nil {
				return
			}
			err = t.Set(key, item)
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, lv.Type())
}

// ToLua builds a fresh interpreter value in L.
func ToLua(L *lua.LState, v Value) lua.LValue {
	switch x := v.(type) {
	case nil, Nil:
		return lua.LNil
	case Bool:
		return lua.LBool(x)
	case Number:
		return lua.LNumber(x)
	case String:
		return lua.LString(x)
	case *Table:
		tbl := L.CreateTable(0, x.Len())
		x.Range(func(k, item Value) bool {
			tbl.RawSet(ToLua(L, k), ToLua(L, item))
			return true
		})
		return tbl
	}
	return lua.LNil
}

// FromLuaArgs lifts a slice of interpreter values, failing on the first
// unsupported one. The index of the offending argument is reported 1-based.
func FromLuaArgs(lvs []lua.LValue) ([]Value, error) {
	out := make([]Value, len(lvs))
	for i, lv := range lvs {
		v, err := FromLua(lv)
		if err != nil {
			return nil, fmt.Errorf("argument #%d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
