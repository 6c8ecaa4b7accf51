package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/internal/preprocess"
	"github.com/caffeineduck/autolua/marshal"
)

type Role uint8

const (
	RoleMain Role = iota
	RoleUnthreaded
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleUnthreaded:
		return "unthreaded"
	case RoleWorker:
		return "worker"
	}
	return "unknown"
}

type Config struct {
	Role Role
	// Budget is the watchdog budget. Zero selects the role default; main
	// and unthreaded budgets are clamped.
	Budget time.Duration
	// Execute selects ExecuteBudget for one-shot file execution.
	Execute bool
	// Emit writes a line to the user-visible feed.
	Emit func(string)
	// Ready reports whether the feed exists yet. Nil means always.
	Ready        func() bool
	Logger       *zap.Logger
	IncludePaths []string
	Defines      map[string]string
	// Context is passed to host functions.
	Context context.Context
}

// Remote connects a worker engine to the main goroutine.
type Remote struct {
	// CallMain runs a main-only function on the main engine.
	CallMain func(name string, args []marshal.Value) ([]marshal.Value, error)
	// Checkpoint runs before every host call. A non-nil error aborts it.
	Checkpoint func() error
}

// Engine owns one interpreter. It is not safe for concurrent use: every
// method except Print, TakePrintBuffer and HasPrintOutput must be called by
// the goroutine that created it. A nil *Engine accepts every call as a
// no-op.
type Engine struct {
	L    *lua.LState
	cfg  Config
	log  *zap.Logger
	wd   *Watchdog
	ctx  context.Context
	name string

	callbacks map[string]bool
	errorText string
	lines     *preprocess.Result
	lineRE   *regexp.Regexp
	depth     int
	aborted   bool
	closed    bool

	printMu  sync.Mutex
	printBuf strings.Builder
}

// New creates an engine with the base, table, string and math libraries.
func New(cfg Config) *Engine {
	switch {
	case cfg.Execute:
		cfg.Budget = ExecuteBudget
	case cfg.Role == RoleWorker && cfg.Budget == 0:
		cfg.Budget = WorkerBudget
	case cfg.Role != RoleWorker:
		cfg.Budget = ClampBudget(cfg.Budget)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	e := &Engine{
		L:         L,
		cfg:       cfg,
		log:       log.With(zap.Stringer("role", cfg.Role)),
		wd:        NewWatchdog(cfg.Budget),
		ctx:       ctx,
		callbacks: make(map[string]bool),
	}
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
	return e
}

func (e *Engine) Role() Role {
	if e == nil {
		return RoleUnthreaded
	}
	return e.cfg.Role
}

// Name is the file or chunk name of the last load.
func (e *Engine) Name() string {
	if e == nil {
		return ""
	}
	return e.name
}

func (e *Engine) Watchdog() *Watchdog {
	if e == nil {
		return nil
	}
	return e.wd
}

func (e *Engine) State() *lua.LState {
	if e == nil {
		return nil
	}
	return e.L
}

// Active reports whether an invocation is in progress.
func (e *Engine) Active() bool {
	return e != nil && e.depth > 0
}

// ErrorText is the text of the last recorded error.
func (e *Engine) ErrorText() string {
	if e == nil {
		return ""
	}
	return e.errorText
}

// Install binds the host table for the engine's role. On a worker,
// main-only entries go through remote.CallMain.
func (e *Engine) Install(reg *hostfunc.Registry, remote Remote) {
	if e == nil || reg == nil {
		return
	}
	for _, entry := range reg.All() {
		e.L.SetGlobal(entry.Name, e.L.NewFunction(e.bind(entry, remote)))
	}
}

// Register binds a function that works on interpreter values directly.
func (e *Engine) Register(name string, fn lua.LGFunction) {
	if e == nil {
		return
	}
	e.L.SetGlobal(name, e.L.NewFunction(fn))
}

func (e *Engine) SetGlobal(name string, v marshal.Value) {
	if e == nil {
		return
	}
	e.L.SetGlobal(name, marshal.ToLua(e.L, v))
}

func (e *Engine) bind(entry hostfunc.Entry, remote Remote) lua.LGFunction {
	viaMain := entry.Scope == hostfunc.ScopeMain && e.cfg.Role == RoleWorker
	return func(L *lua.LState) int {
		if remote.Checkpoint != nil {
			if err := remote.Checkpoint(); err != nil {
				e.Raise(L, err)
				return 0
			}
		}
		raw := make([]lua.LValue, L.GetTop())
		for i := range raw {
			raw[i] = L.Get(i + 1)
		}
		args, err := marshal.FromLuaArgs(raw)
		if err != nil {
			L.RaiseError("%s: %v", entry.Name, err)
			return 0
		}
		if err := entry.CheckArity(len(args)); err != nil {
			L.RaiseError("%v", err)
			return 0
		}

		var results []marshal.Value
		switch {
		case viaMain && remote.CallMain == nil:
			err = &MarshalError{Func: entry.Name, Msg: "not available on this thread"}
		case viaMain:
			results, err = remote.CallMain(entry.Name, args)
		default:
			results, err = entry.Fn(e.ctx, args)
		}
		if err != nil {
			e.Raise(L, err)
			return 0
		}
		for _, r := range results {
			L.Push(marshal.ToLua(L, r))
		}
		return len(results)
	}
}

// Raise turns err into a script error in L. It does not return.
func (e *Engine) Raise(L *lua.LState, err error) {
	if errors.Is(err, ErrThreadAbort) {
		e.aborted = true
	}
	L.RaiseError("%s", err.Error())
}

// Load reads and loads the script at path.
func (e *Engine) Load(path string) error {
	if e == nil {
		return nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return e.loadFailed(path, err)
	}
	return e.load(path, string(src))
}

// LoadString loads chunk under name.
func (e *Engine) LoadString(name, chunk string) error {
	if e == nil {
		return nil
	}
	return e.load(name, chunk)
}

func (e *Engine) load(name, src string) error {
	if e.closed {
		return &LoadError{Name: name, Msg: ErrClosed.Error(), Err: ErrClosed}
	}
	e.name = name
	e.lines = nil
	e.lineRE = nil
	clear(e.callbacks)

	fn, err := e.L.Load(strings.NewReader(src), name)
	if err != nil && preprocess.Needed(src) {
		e.log.Debug("compile failed, preprocessing", zap.String("file", name), zap.Error(err))
		res, perr := preprocess.Process(name, src, preprocess.Options{
			IncludePaths: e.cfg.IncludePaths,
			Defines:      e.cfg.Defines,
			Warn:         e.Print,
			Logger:       e.log,
		})
		if perr != nil {
			return e.loadFailed(name, perr)
		}
		e.lines = res
		e.lineRE = regexp.MustCompile(regexp.QuoteMeta(name) + `:(\d+):`)
		fn, err = e.L.Load(strings.NewReader(res.Source), name)
	}
	if err != nil {
		return e.loadFailed(name, err)
	}

	if _, err := e.pcall(fn, nil); err != nil {
		return e.loadFailed(name, err)
	}

	for _, cb := range Callbacks {
		_, ok := e.L.GetGlobal(cb).(*lua.LFunction)
		e.callbacks[cb] = ok
	}
	e.log.Debug("script loaded", zap.String("file", name))
	return nil
}

func (e *Engine) loadFailed(name string, err error) error {
	msg := e.errorMessage(err)
	e.record("", msg, err)
	return &LoadError{Name: name, Msg: msg, Err: err}
}

// Has reports whether the last load defined callback.
func (e *Engine) Has(callback string) bool {
	if e == nil {
		return false
	}
	return e.callbacks[callback]
}

// Invoke calls a probed callback. It returns ErrNoCallback when the script
// does not define it.
func (e *Engine) Invoke(callback string, args ...marshal.Value) ([]marshal.Value, error) {
	if e == nil {
		return nil, nil
	}
	if e.closed || !e.callbacks[callback] {
		return nil, ErrNoCallback
	}
	fn, ok := e.L.GetGlobal(callback).(*lua.LFunction)
	if !ok {
		return nil, ErrNoCallback
	}

	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = marshal.ToLua(e.L, a)
	}
	results, err := e.pcall(fn, lvs)
	if err != nil {
		msg := e.errorMessage(err)
		rerr := &RuntimeError{Callback: callback, Msg: msg, Err: cause(err)}
		e.record(callback, msg, err)
		return nil, rerr
	}

	if c, ok := contracts[callback]; ok {
		if len(results) != 1 || results[0].Type() != c.typ {
			msg := fmt.Sprintf("must return exactly one %s", c.desc)
			e.record(callback, msg, nil)
			return nil, &RuntimeError{Callback: callback, Msg: msg}
		}
	}

	out, err := marshal.FromLuaArgs(results)
	if err != nil {
		merr := &MarshalError{Func: callback, Msg: "result " + err.Error(), Err: err}
		e.record(callback, merr.Error(), merr)
		return nil, merr
	}
	return out, nil
}

// Call runs the global function name with copies of args. A missing
// function or too many arguments for a fixed-arity function is a
// *MarshalError; a script failure is a *RuntimeError.
func (e *Engine) Call(name string, args []marshal.Value) ([]marshal.Value, error) {
	if e == nil {
		return nil, nil
	}
	if e.closed {
		return nil, &MarshalError{Func: name, Msg: "engine closed", Err: ErrClosed}
	}
	fn, ok := e.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, &MarshalError{Func: name, Msg: "no such function"}
	}
	if !fn.IsG && fn.Proto.IsVarArg == 0 && len(args) > int(fn.Proto.NumParameters) {
		return nil, &MarshalError{
			Func: name,
			Msg:  fmt.Sprintf("takes %d argument(s), got %d", fn.Proto.NumParameters, len(args)),
		}
	}

	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = marshal.ToLua(e.L, a)
	}
	results, err := e.pcall(fn, lvs)
	if err != nil {
		msg := e.errorMessage(err)
		e.log.Warn("marshaled call failed", zap.String("func", name), zap.String("err", msg))
		e.errorText = msg
		return nil, &RuntimeError{Callback: name, Msg: msg, Err: cause(err)}
	}
	out, err := marshal.FromLuaArgs(results)
	if err != nil {
		return nil, &MarshalError{Func: name, Msg: "result " + err.Error(), Err: err}
	}
	return out, nil
}

// CallFunction runs a function value of this engine.
func (e *Engine) CallFunction(label string, fn *lua.LFunction, args ...lua.LValue) error {
	if e == nil || fn == nil {
		return nil
	}
	if e.closed {
		return ErrClosed
	}
	if _, err := e.pcall(fn, args); err != nil {
		msg := e.errorMessage(err)
		e.record(label, msg, err)
		return &RuntimeError{Callback: label, Msg: msg, Err: cause(err)}
	}
	return nil
}

// Decode evaluates serialized text inside this engine, isolated from its
// globals.
func (e *Engine) Decode(text string) (marshal.Value, error) {
	if e == nil {
		return marshal.Nil{}, nil
	}
	lv, err := marshal.Decode(e.L, text)
	if err != nil {
		return nil, err
	}
	return marshal.FromLua(lv)
}

// pcall runs fn under the watchdog and returns all its results. Nested calls
// made while an invocation is in progress share the outer deadline.
func (e *Engine) pcall(fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	L := e.L
	if e.depth == 0 {
		e.aborted = false
		e.wd.Reset()
		L.SetContext(e.wd)
		defer func() {
			e.wd.Stop()
			L.RemoveContext()
		}()
	}
	e.depth++
	defer func() { e.depth-- }()

	top := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(top)
		switch {
		case e.wd.Expired():
			return nil, &scriptError{err: err, cause: ErrWatchdogTimeout}
		case e.aborted:
			return nil, &scriptError{err: err, cause: ErrThreadAbort}
		}
		return nil, err
	}
	n := L.GetTop() - top
	results := make([]lua.LValue, n)
	for i := range results {
		results[i] = L.Get(top + 1 + i)
	}
	L.SetTop(top)
	return results, nil
}

type scriptError struct {
	err   error
	cause error
}

func (s *scriptError) Error() string { return s.err.Error() }
func (s *scriptError) Unwrap() error { return s.cause }

func cause(err error) error {
	var serr *scriptError
	if errors.As(err, &serr) {
		return serr.cause
	}
	return nil
}

// errorMessage extracts the script-level message, mapping preprocessed
// line numbers back to the source file.
func (e *Engine) errorMessage(err error) string {
	var serr *scriptError
	if errors.As(err, &serr) {
		err = serr.err
	}
	msg := err.Error()
	var aerr *lua.ApiError
	if errors.As(err, &aerr) {
		msg = aerr.Object.String()
	}
	if e.lineRE == nil {
		return msg
	}
	return e.lineRE.ReplaceAllStringFunc(msg, func(m string) string {
		n, _ := strconv.Atoi(e.lineRE.FindStringSubmatch(m)[1])
		return fmt.Sprintf("%s:%d:", e.name, e.lines.MapLine(n))
	})
}

func (e *Engine) record(callback, msg string, err error) {
	e.errorText = msg
	fields := []zap.Field{zap.String("file", e.name), zap.String("err", msg)}
	if callback != "" {
		fields = append(fields, zap.String("callback", callback))
	}
	if errors.Is(err, ErrThreadAbort) {
		e.log.Debug("script aborted", fields...)
		return
	}
	e.log.Warn("script error", fields...)
	e.Print("Lua error: " + msg)
}

func (e *Engine) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	e.Print(strings.Join(parts, "\t"))
	return 0
}

// Print emits text to the feed on a main engine once the feed is ready and
// buffers it otherwise.
func (e *Engine) Print(text string) {
	if e == nil {
		return
	}
	if e.cfg.Role == RoleMain && e.cfg.Emit != nil && (e.cfg.Ready == nil || e.cfg.Ready()) {
		e.cfg.Emit(text)
		return
	}
	e.printMu.Lock()
	if e.printBuf.Len() > 0 {
		e.printBuf.WriteByte('\n')
	}
	e.printBuf.WriteString(text)
	e.printMu.Unlock()
}

// TakePrintBuffer returns and clears the buffered output.
func (e *Engine) TakePrintBuffer() string {
	if e == nil {
		return ""
	}
	e.printMu.Lock()
	defer e.printMu.Unlock()
	s := e.printBuf.String()
	e.printBuf.Reset()
	return s
}

func (e *Engine) HasPrintOutput() bool {
	if e == nil {
		return false
	}
	e.printMu.Lock()
	defer e.printMu.Unlock()
	return e.printBuf.Len() > 0
}

// Close releases the interpreter. Further calls are no-ops.
func (e *Engine) Close() {
	if e == nil || e.closed {
		return
	}
	e.closed = true
	e.wd.Stop()
	e.L.Close()
}
