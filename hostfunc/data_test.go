package hostfunc

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/store"
)

func TestDataStringVerbatim(t *testing.T) {
	s := store.NewMemory()
	d := NewData(s, nil)
	ctx := context.Background()

	_, err := d.SetGlobalData(ctx, []marshal.Value{marshal.String("hello")})
	require.NoError(t, err)

	raw, _ := s.Get(ctx, store.GlobalKey)
	assert.Equal(t, "hello", raw)

	out, err := d.GetGlobalData(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.String("hello")}, out)
}

func TestDataTableEnvelope(t *testing.T) {
	s := store.NewMemory()
	d := NewData(s, nil)
	ctx := context.Background()

	tbl := marshal.NewTable()
	tbl.SetString("x", marshal.Number(1))
	tbl.SetString("name", marshal.String("bob"))

	_, err := d.SetGlobalData(ctx, []marshal.Value{tbl})
	require.NoError(t, err)

	raw, _ := s.Get(ctx, store.GlobalKey)
	assert.True(t, strings.HasPrefix(raw, marshal.EnvelopePrefix))

	out, err := d.GetGlobalData(ctx, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, marshal.Equal(tbl, out[0]))
}

func TestDataUnsetIsEmptyString(t *testing.T) {
	d := NewData(store.NewMemory(), nil)
	out, err := d.GetGlobalData(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.String("")}, out)
}

func TestDataPerAccount(t *testing.T) {
	s := store.NewMemory()
	account := ""
	d := NewData(s, func() string { return account })
	ctx := context.Background()

	_, err := d.SetPerAccountData(ctx, []marshal.Value{marshal.String("x")})
	assert.ErrorIs(t, err, ErrNoAccount)
	_, err = d.GetPerAccountData(ctx, nil)
	assert.ErrorIs(t, err, ErrNoAccount)

	account = "alice"
	_, err = d.SetPerAccountData(ctx, []marshal.Value{marshal.String("alice-data")})
	require.NoError(t, err)

	account = "bob"
	out, err := d.GetPerAccountData(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.String("")}, out)

	raw, _ := s.Get(ctx, store.AccountKey("alice"))
	assert.Equal(t, "alice-data", raw)
}

func TestDataRegister(t *testing.T) {
	reg := NewRegistry()
	NewData(store.NewMemory(), nil).Register(reg)

	assert.Equal(t, []string{"GetGlobalData", "GetPerAccountData", "SetGlobalData", "SetPerAccountData"}, reg.List())

	e, _ := reg.Get("SetGlobalData")
	assert.Error(t, e.CheckArity(0))
	assert.NoError(t, e.CheckArity(1))
}

func TestDataNumberStoredAsText(t *testing.T) {
	s := store.NewMemory()
	d := NewData(s, nil)
	ctx := context.Background()

	_, err := d.SetGlobalData(ctx, []marshal.Value{marshal.Number(42)})
	require.NoError(t, err)
	raw, _ := s.Get(ctx, store.GlobalKey)
	assert.Equal(t, "42", raw)
}
