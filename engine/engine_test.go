package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/marshal"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg)
	t.Cleanup(e.Close)
	return e
}

func TestLoadProbesCallbacks(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("cb.lua", `
function OnLogin() end
function ThreadRun() return true end
OnSignal = 42
`))
	assert.True(t, e.Has(OnLogin))
	assert.True(t, e.Has(ThreadRun))
	assert.False(t, e.Has(OnSignal))
	assert.False(t, e.Has(OnQuit))

	require.NoError(t, e.LoadString("next.lua", `
OnLogin = nil
OnQuit = "not a function"
function OnSignal() end
`))
	assert.False(t, e.Has(OnLogin), "presence is probed again on every load")
	assert.False(t, e.Has(OnQuit))
	assert.True(t, e.Has(OnSignal))
	assert.True(t, e.Has(ThreadRun), "globals from the earlier chunk remain")
}

func TestLoadErrorKeepsEngineUsable(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})

	err := e.LoadString("bad.lua", "function (")
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "bad.lua", lerr.Name)
	assert.NotEmpty(t, e.ErrorText())
	assert.Contains(t, e.TakePrintBuffer(), "Lua error")

	err = e.LoadString("boom.lua", `error("boom")`)
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, lerr.Msg, "boom")

	require.NoError(t, e.LoadString("good.lua", "function OnTimer() end"))
	assert.True(t, e.Has(OnTimer))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(path, []byte("function OnQuit() end"), 0o644))

	e := newTestEngine(t, Config{Role: RoleMain})
	require.NoError(t, e.Load(path))
	assert.Equal(t, path, e.Name())
	assert.True(t, e.Has(OnQuit))

	var lerr *LoadError
	assert.ErrorAs(t, e.Load(filepath.Join(t.TempDir(), "missing.lua")), &lerr)
}

func TestLoadPreprocessRetry(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("pp.lua", `
#define GREETING "hello"
#ifdef GREETING
function OnAutomationRequest(s) return GREETING .. " " .. s end
#else
function OnAutomationRequest(s) return "unreachable" end
#endif
`))
	out, err := e.Invoke(OnAutomationRequest, marshal.String("world"))
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.String("hello world")}, out)
}

func TestRuntimeErrorLineMapped(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("pp.lua", "#define X 1\n\nfunction OnTimer()\n  error(\"line five\")\nend\n"))

	_, err := e.Invoke(OnTimer)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "pp.lua:4:")
}

func TestLineMappingFollowsLoad(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("pp.lua", "#define X 1\n\nfunction OnTimer()\n  error(\"boom\")\nend\n"))
	pattern := e.lineRE
	require.NotNil(t, pattern)

	for i := 0; i < 2; i++ {
		_, err := e.Invoke(OnTimer)
		assert.Contains(t, err.Error(), "pp.lua:4:")
		assert.Same(t, pattern, e.lineRE, "compiled once per load")
	}

	require.NoError(t, e.LoadString("plain.lua", "function OnTimer() error(\"boom\") end"))
	assert.Nil(t, e.lineRE)
	_, err := e.Invoke(OnTimer)
	assert.Contains(t, err.Error(), "plain.lua:1:")
}

func TestInvokeMissingCallback(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("x.lua", "x = 1"))
	_, err := e.Invoke(OnLogin)
	assert.ErrorIs(t, err, ErrNoCallback)
}

func TestInvokeContracts(t *testing.T) {
	tests := []struct {
		name     string
		callback string
		body     string
		wantErr  bool
	}{
		{"thread run bool", ThreadRun, "return true", false},
		{"thread run none", ThreadRun, "return", true},
		{"thread run number", ThreadRun, "return 1", true},
		{"thread run two", ThreadRun, "return true, true", true},
		{"send chat string", OnSendChat, "return 'hi'", false},
		{"send chat nil", OnSendChat, "return nil", true},
		{"request string", OnAutomationRequest, "return ''", false},
		{"request bool", OnAutomationRequest, "return false", true},
		{"uncontracted", OnTimer, "return 1, 2, 3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{Role: RoleUnthreaded})
			require.NoError(t, e.LoadString("c.lua", "function "+tt.callback+"() "+tt.body+" end"))
			_, err := e.Invoke(tt.callback)
			if tt.wantErr {
				var rerr *RuntimeError
				require.ErrorAs(t, err, &rerr)
				assert.Contains(t, rerr.Msg, "must return exactly one")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInvokeArgsAreCopies(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("s.lua", `
function OnSignal(origin, ts, v)
  v.x = v.x + 1
  seen = v.x
  return v
end`))

	tbl := marshal.NewTable()
	tbl.SetString("x", marshal.Number(1))
	out, err := e.Invoke(OnSignal, marshal.Number(3), marshal.Number(0), tbl)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, marshal.Number(1), tbl.GetString("x"))
	assert.Equal(t, marshal.Number(2), out[0].(*marshal.Table).GetString("x"))
}

func TestWatchdogAbortsRunaway(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleMain, Budget: 50 * time.Millisecond})
	require.NoError(t, e.LoadString("loop.lua", `
function OnTimer() while true do end end
function OnQuit() return "still alive" end`))

	start := time.Now()
	_, err := e.Invoke(OnTimer)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrWatchdogTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.Contains(t, e.ErrorText(), "watchdog timeout")

	out, err := e.Invoke(OnQuit)
	require.NoError(t, err, "only the runaway invocation unwinds")
	assert.Equal(t, []marshal.Value{marshal.String("still alive")}, out)
}

func TestWatchdogNotCatchable(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleMain, Budget: 20 * time.Millisecond})
	require.NoError(t, e.LoadString("pcall.lua", `
function OnTimer()
  while true do
    pcall(function() while true do end end)
  end
end`))
	_, err := e.Invoke(OnTimer)
	assert.ErrorIs(t, err, ErrWatchdogTimeout)
}

func TestWatchdogOnLoad(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleUnthreaded, Budget: MinBudget})
	err := e.LoadString("spin.lua", "while true do end")
	assert.ErrorIs(t, err, ErrWatchdogTimeout)
}

func TestBudgets(t *testing.T) {
	assert.Equal(t, DefaultBudget, New(Config{Role: RoleMain}).Watchdog().Budget())
	assert.Equal(t, MinBudget, New(Config{Role: RoleMain, Budget: time.Microsecond}).Watchdog().Budget())
	assert.Equal(t, MaxBudget, New(Config{Role: RoleUnthreaded, Budget: time.Hour}).Watchdog().Budget())
	assert.Equal(t, WorkerBudget, New(Config{Role: RoleWorker}).Watchdog().Budget())
	assert.Equal(t, ExecuteBudget, New(Config{Role: RoleUnthreaded, Execute: true}).Watchdog().Budget())
}

func TestCall(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleMain})
	require.NoError(t, e.LoadString("main.lua", `
function Foo(s) return s .. s end
function Many(...) return select("#", ...) end
function Fail() error("nope") end
NotAFunction = 1`))

	out, err := e.Call("Foo", []marshal.Value{marshal.String("bar")})
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.String("barbar")}, out)

	out, err = e.Call("Many", []marshal.Value{marshal.Number(1), marshal.Number(2), marshal.Number(3)})
	require.NoError(t, err)
	assert.Equal(t, []marshal.Value{marshal.Number(3)}, out)

	var merr *MarshalError
	_, err = e.Call("Missing", nil)
	assert.ErrorAs(t, err, &merr)
	_, err = e.Call("NotAFunction", nil)
	assert.ErrorAs(t, err, &merr)
	_, err = e.Call("Foo", []marshal.Value{marshal.String("a"), marshal.String("b")})
	assert.ErrorAs(t, err, &merr)

	var rerr *RuntimeError
	_, err = e.Call("Fail", nil)
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "nope")
}

func TestPrintBuffering(t *testing.T) {
	var feed []string
	ready := false
	e := newTestEngine(t, Config{
		Role:  RoleMain,
		Emit:  func(s string) { feed = append(feed, s) },
		Ready: func() bool { return ready },
	})
	require.NoError(t, e.LoadString("p.lua", `print("before", 1)`))
	assert.Empty(t, feed)
	assert.True(t, e.HasPrintOutput())

	ready = true
	require.NoError(t, e.LoadString("p.lua", `print("after")`))
	assert.Equal(t, []string{"after"}, feed)
	assert.Equal(t, "before\t1", e.TakePrintBuffer())
	assert.False(t, e.HasPrintOutput())
}

func TestPrintWorkerAlwaysBuffers(t *testing.T) {
	var feed []string
	e := newTestEngine(t, Config{Role: RoleWorker, Emit: func(s string) { feed = append(feed, s) }})
	e.Print("a")
	e.Print("b")
	assert.Empty(t, feed)
	assert.Equal(t, "a\nb", e.TakePrintBuffer())
	assert.Equal(t, "", e.TakePrintBuffer())
}

func TestInstallScopes(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.Register("Double", func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
		n := args[0].(marshal.Number)
		return []marshal.Value{n * 2}, nil
	}, hostfunc.Arity(1, 1))
	reg.Register("MainThing", func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
		return []marshal.Value{marshal.String("direct")}, nil
	}, hostfunc.MainOnly())

	t.Run("main binds directly", func(t *testing.T) {
		e := newTestEngine(t, Config{Role: RoleMain})
		e.Install(reg, Remote{})
		require.NoError(t, e.LoadString("m.lua", `function OnSendChat() return MainThing() .. Double(21) end`))
		out, err := e.Invoke(OnSendChat)
		require.NoError(t, err)
		assert.Equal(t, []marshal.Value{marshal.String("direct42")}, out)
	})

	t.Run("worker marshals main-only", func(t *testing.T) {
		var remoteCalls []string
		checkpoints := 0
		e := newTestEngine(t, Config{Role: RoleWorker})
		e.Install(reg, Remote{
			CallMain: func(name string, args []marshal.Value) ([]marshal.Value, error) {
				remoteCalls = append(remoteCalls, name)
				return []marshal.Value{marshal.String("remote")}, nil
			},
			Checkpoint: func() error { checkpoints++; return nil },
		})
		require.NoError(t, e.LoadString("w.lua", `function OnSendChat() return MainThing() .. Double(1) end`))
		out, err := e.Invoke(OnSendChat)
		require.NoError(t, err)
		assert.Equal(t, []marshal.Value{marshal.String("remote2")}, out)
		assert.Equal(t, []string{"MainThing"}, remoteCalls)
		assert.Equal(t, 2, checkpoints)
	})

	t.Run("arity and type errors are script errors", func(t *testing.T) {
		e := newTestEngine(t, Config{Role: RoleMain})
		e.Install(reg, Remote{})
		require.NoError(t, e.LoadString("a.lua", `
function OnTimer()
  local ok1 = pcall(Double)
  local ok2 = pcall(Double, function() end)
  return ok1, ok2
end`))
		out, err := e.Invoke(OnTimer)
		require.NoError(t, err)
		assert.Equal(t, []marshal.Value{marshal.Bool(false), marshal.Bool(false)}, out)
	})
}

func TestCheckpointAbort(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.Register("Noop", func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
		return nil, nil
	})

	e := newTestEngine(t, Config{Role: RoleWorker})
	e.Install(reg, Remote{Checkpoint: func() error { return ErrThreadAbort }})
	require.NoError(t, e.LoadString("w.lua", `function ThreadRun() Noop() return true end`))

	_, err := e.Invoke(ThreadRun)
	assert.ErrorIs(t, err, ErrThreadAbort)
	assert.False(t, e.HasPrintOutput(), "aborts are not reported as script errors")
}

func TestDecodeIsolated(t *testing.T) {
	e := newTestEngine(t, Config{Role: RoleWorker})
	require.NoError(t, e.LoadString("g.lua", `secret = "s"`))

	v, err := e.Decode(`{["a"]=1;}`)
	require.NoError(t, err)
	assert.Equal(t, marshal.Number(1), v.(*marshal.Table).GetString("a"))

	v, err = e.Decode(`secret`)
	require.NoError(t, err)
	assert.True(t, marshal.IsNil(v))
}

func TestNilEngineIsNoop(t *testing.T) {
	var e *Engine
	assert.NoError(t, e.LoadString("x", "x = 1"))
	assert.False(t, e.Has(OnLogin))
	out, err := e.Invoke(OnLogin)
	assert.NoError(t, err)
	assert.Nil(t, out)
	e.Print("ignored")
	assert.Equal(t, "", e.TakePrintBuffer())
	e.Close()
}

func TestClosedEngine(t *testing.T) {
	e := New(Config{Role: RoleUnthreaded})
	require.NoError(t, e.LoadString("x.lua", "function OnLogin() end"))
	e.Close()
	e.Close()

	_, err := e.Invoke(OnLogin)
	assert.True(t, errors.Is(err, ErrNoCallback))
	assert.Error(t, e.LoadString("y.lua", "x = 1"))
}
