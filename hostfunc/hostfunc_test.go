package hostfunc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/autolua/marshal"
)

func echo(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	return args, nil
}

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echo)

	e, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, ScopeAny, e.Scope)
	assert.Equal(t, 0, e.MinArgs)
	assert.Equal(t, -1, e.MaxArgs)
	assert.NoError(t, e.CheckArity(100))

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryOptions(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Foo", echo, MainOnly(), Arity(1, 2))

	e, ok := reg.Get("Foo")
	require.True(t, ok)
	assert.Equal(t, ScopeMain, e.Scope)
	assert.Equal(t, "main", e.Scope.String())

	assert.Error(t, e.CheckArity(0))
	assert.NoError(t, e.CheckArity(1))
	assert.NoError(t, e.CheckArity(2))
	assert.Error(t, e.CheckArity(3))
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", echo)
	reg.Register("c", echo)
	reg.Register("a", echo, MainOnly())

	assert.Equal(t, []string{"a", "b", "c"}, reg.List())

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, ScopeMain, all[0].Scope)
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	reg.Register("f", echo, MainOnly())
	reg.Register("f", echo)

	e, _ := reg.Get("f")
	assert.Equal(t, ScopeAny, e.Scope)
	assert.Len(t, reg.List(), 1)
}

func TestGetTimeStamp(t *testing.T) {
	before := Now()
	out, err := GetTimeStamp(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	ts, ok := out[0].(marshal.Number)
	require.True(t, ok)
	assert.GreaterOrEqual(t, float64(ts), float64(before))
}
