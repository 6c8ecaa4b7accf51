package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/store"
)

var ErrNoAccount = errors.New("no account logged in")

// Data exposes the two persisted blobs to scripts. Strings are stored
// verbatim; tables are serialized and wrapped in the envelope.
type Data struct {
	store   store.Store
	account func() string
}

// NewData binds the accessors to s. account reports the logged-in account
// name, "" when none.
func NewData(s store.Store, account func() string) *Data {
	if account == nil {
		account = func() string { return "" }
	}
	return &Data{store: s, account: account}
}

// Register installs the four accessors on reg.
func (d *Data) Register(reg *Registry) {
	reg.Register("GetGlobalData", d.GetGlobalData, Arity(0, 0))
	reg.Register("SetGlobalData", d.SetGlobalData, Arity(1, 1))
	reg.Register("GetPerAccountData", d.GetPerAccountData, Arity(0, 0))
	reg.Register("SetPerAccountData", d.SetPerAccountData, Arity(1, 1))
}

func (d *Data) GetGlobalData(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	return d.get(ctx, store.GlobalKey)
}

func (d *Data) SetGlobalData(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	return nil, d.set(ctx, store.GlobalKey, args)
}

func (d *Data) GetPerAccountData(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	key, err := d.accountKey()
	if err != nil {
		return nil, err
	}
	return d.get(ctx, key)
}

func (d *Data) SetPerAccountData(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	key, err := d.accountKey()
	if err != nil {
		return nil, err
	}
	return nil, d.set(ctx, key, args)
}

func (d *Data) accountKey() (string, error) {
	name := d.account()
	if name == "" {
		return "", ErrNoAccount
	}
	return store.AccountKey(name), nil
}

func (d *Data) get(ctx context.Context, key string) ([]marshal.Value, error) {
	raw, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if text, ok := marshal.Unwrap(raw); ok {
		v, err := marshal.Deserialize(text)
		if err != nil {
			return nil, fmt.Errorf("stored %s: %w", key, err)
		}
		return []marshal.Value{v}, nil
	}
	return []marshal.Value{marshal.String(raw)}, nil
}

func (d *Data) set(ctx context.Context, key string, args []marshal.Value) error {
	var raw string
	switch v := args[0].(type) {
	case marshal.String:
		raw = string(v)
	case *marshal.Table:
		text, err := marshal.Serialize(v)
		if err != nil {
			return err
		}
		raw = marshal.Wrap(text)
	case marshal.Nil, nil:
		raw = ""
	default:
		raw = v.String()
	}
	return d.store.Set(ctx, key, raw)
}

// GetTimeStamp returns the wall clock as Unix seconds.
func GetTimeStamp(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
	return []marshal.Value{Now()}, nil
}

// Now is the timestamp used for signals and GetTimeStamp.
func Now() marshal.Number {
	return marshal.Number(float64(time.Now().UnixNano()) / 1e9)
}
