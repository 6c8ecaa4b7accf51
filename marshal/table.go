package marshal

import (
	"fmt"
	"math"
	"sort"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Table is an insertion-ordered map with Number or String keys.
// A nil *Table behaves as an empty table for reads.
type Table struct {
	m *orderedmap.OrderedMap[Value, Value]
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{m: orderedmap.New[Value, Value]()}
}

// List builds an array-like table from values, keyed 1..n.
func List(values ...Value) *Table {
	t := NewTable()
	for i, v := range values {
		_ = t.Set(Number(i+1), v)
	}
	return t
}

func (*Table) Kind() Kind { return KindTable }
func (*Table) isValue()   {}

func (t *Table) String() string {
	s, err := Serialize(t)
	if err != nil {
		return "table"
	}
	return s
}

// Set stores v under key. Setting Nil removes the key.
func (t *Table) Set(key, v Value) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if t.m == nil {
		t.m = orderedmap.New[Value, Value]()
	}
	if IsNil(v) {
		t.m.Delete(key)
		return nil
	}
	t.m.Set(key, v)
	return nil
}

// SetString is Set with a string key.
func (t *Table) SetString(key string, v Value) {
	_ = t.Set(String(key), v)
}

// Get returns the value under key, or Nil.
func (t *Table) Get(key Value) Value {
	if t == nil || t.m == nil || checkKey(key) != nil {
		return Nil{}
	}
	if v, ok := t.m.Get(key); ok {
		return v
	}
	return Nil{}
}

// GetString is Get with a string key.
func (t *Table) GetString(key string) Value {
	return t.Get(String(key))
}

// Len returns the number of keys.
func (t *Table) Len() int {
	if t == nil || t.m == nil {
		return 0
	}
	return t.m.Len()
}

// Range calls fn for each entry in insertion order until fn returns false.
func (t *Table) Range(fn func(key, v Value) bool) {
	if t == nil || t.m == nil {
		return
	}
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Keys returns the keys in canonical order: numbers ascending, then strings.
func (t *Table) Keys() []Value {
	keys := make([]Value, 0, t.Len())
	t.Range(func(k, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

func (t *Table) equal(o *Table) bool {
	if t.Len() != o.Len() {
		return false
	}
	same := true
	t.Range(func(k, v Value) bool {
		if !Equal(v, o.Get(k)) {
			same = false
		}
		return same
	})
	return same
}

func checkKey(key Value) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrUnsupported)
	}
	switch k := key.(type) {
	case Number:
		if math.IsNaN(float64(k)) {
			return fmt.Errorf("%w: NaN key", ErrUnsupported)
		}
		return nil
	case String:
		return nil
	}
	return fmt.Errorf("%w: %s key", ErrUnsupported, key.Kind())
}

func keyLess(a, b Value) bool {
	an, aNum := a.(Number)
	bn, bNum := b.(Number)
	switch {
	case aNum && bNum:
		return an < bn
	case aNum:
		return true
	case bNum:
		return false
	}
	return strings.Compare(string(a.(String)), string(b.(String))) < 0
}
