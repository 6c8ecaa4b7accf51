package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/autolua/marshal"
)

// Func is a native function callable from scripts. Arguments and results
// are deep copies; a Func never sees interpreter values.
type Func func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error)

// Scope says which engines may execute a function directly.
type Scope uint8

const (
	// ScopeAny functions run on whichever goroutine owns the calling engine.
	ScopeAny Scope = iota
	// ScopeMain functions run only on the main goroutine. Worker engines
	// reach them through the call handoff.
	ScopeMain
)

func (s Scope) String() string {
	if s == ScopeMain {
		return "main"
	}
	return "any"
}

// Entry is one registered function.
type Entry struct {
	Name    string
	Fn      Func
	Scope   Scope
	MinArgs int
	// MaxArgs < 0 means unbounded.
	MaxArgs int
}

// CheckArity reports an error when n arguments violate the entry's bounds.
func (e Entry) CheckArity(n int) error {
	if n < e.MinArgs {
		return fmt.Errorf("%s: expected at least %d argument(s), got %d", e.Name, e.MinArgs, n)
	}
	if e.MaxArgs >= 0 && n > e.MaxArgs {
		return fmt.Errorf("%s: expected at most %d argument(s), got %d", e.Name, e.MaxArgs, n)
	}
	return nil
}

type Option func(*Entry)

// MainOnly restricts the function to the main goroutine.
func MainOnly() Option {
	return func(e *Entry) {
		e.Scope = ScopeMain
	}
}

// Arity bounds the argument count. Pass max < 0 for no upper bound.
func Arity(min, max int) Option {
	return func(e *Entry) {
		e.MinArgs = min
		e.MaxArgs = max
	}
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Entry)}
}

// Register adds or replaces name.
func (r *Registry) Register(name string, fn Func, opts ...Option) {
	e := Entry{Name: name, Fn: fn, MaxArgs: -1}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.funcs[name] = e
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.funcs[name]
	r.mu.RUnlock()
	return e, ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a snapshot of every entry, sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.funcs))
	for _, e := range r.funcs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
