// Package hostfunc provides the table of native functions exposed to
// automation scripts.
//
// Host functions are Go functions callable from script code. Each engine
// installs the table for its role when it loads a script: the main and
// unthreaded engines bind every entry directly, while worker engines bind
// main-only entries as stubs that hand the call to the main goroutine.
//
// # Registry
//
// The [Registry] maps names to [Entry] values:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("Foo", func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
//	    return []marshal.Value{args[0]}, nil
//	}, hostfunc.MainOnly(), hostfunc.Arity(1, 1))
//
// Arguments and results are [marshal.Value] copies, so a function never
// holds a reference into any interpreter.
//
// # Persisted data
//
// [Data] exposes GetGlobalData, SetGlobalData, GetPerAccountData and
// SetPerAccountData over a [store.Store]. Strings are stored verbatim and
// tables inside the serialization envelope.
package hostfunc
