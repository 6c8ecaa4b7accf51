package automation

import (
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/marshal"
)

// installCommon binds the builtins every role gets. t is nil on the main
// and unthreaded engines.
func installCommon(eng *engine.Engine, rt *Runtime, t *Thread) {
	var self uint32
	if t != nil {
		self = t.id
	}
	reg := func(name string, fn lua.LGFunction) {
		eng.Register(name, checkpointed(eng, t, fn))
	}

	reg("GetThreadID", func(L *lua.LState) int {
		L.Push(lua.LNumber(self))
		return 1
	})
	reg("GetFrameTimeSeconds", func(L *lua.LState) int {
		L.Push(lua.LNumber(rt.FrameTime()))
		return 1
	})
	reg("GetSourceFileName", func(L *lua.LState) int {
		L.Push(lua.LString(eng.Name()))
		return 1
	})
	reg("GetWatchdogState", func(L *lua.LState) int {
		wd := eng.Watchdog()
		L.Push(lua.LNumber(wd.Remaining().Seconds()))
		L.Push(lua.LNumber(wd.Budget().Seconds()))
		return 2
	})
	reg("HasThread", func(L *lua.LState) int {
		L.Push(lua.LBool(rt.HasThread(uint32(L.CheckNumber(1)))))
		return 1
	})
	reg("StopThread", func(L *lua.LState) int {
		L.Push(lua.LBool(rt.StopThread(uint32(L.CheckNumber(1)))))
		return 1
	})
	reg("SendSignal", func(L *lua.LState) int {
		target := uint32(L.CheckNumber(1))
		v, err := marshal.FromLua(L.Get(2))
		if err != nil {
			L.RaiseError("SendSignal: %v", err)
			return 0
		}
		if t != nil && target == MainID && !t.loading.Load() {
			args := []marshal.Value{marshal.Number(self), hostfunc.Now(), v}
			if _, err := t.handoff(&call{name: engine.OnSignal, args: args, implicit: true}); err != nil {
				eng.Raise(L, err)
				return 0
			}
			L.Push(lua.LTrue)
			return 1
		}
		if err := rt.SendSignal(target, self, v); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	})
	reg("SerializeTable", func(L *lua.LState) int {
		text, err := marshal.SerializeTable(L.CheckTable(1))
		if err != nil {
			L.RaiseError("SerializeTable: %v", err)
			return 0
		}
		L.Push(lua.LString(text))
		return 1
	})
	reg("DeserializeTable", func(L *lua.LState) int {
		lv, err := marshal.Decode(L, L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lv)
		return 1
	})
}

func checkpointed(eng *engine.Engine, t *Thread, fn lua.LGFunction) lua.LGFunction {
	if t == nil {
		return fn
	}
	return func(L *lua.LState) int {
		if err := t.checkpoint(); err != nil {
			eng.Raise(L, err)
			return 0
		}
		return fn(L)
	}
}

func startThread(c *Controller, eng *engine.Engine) lua.LGFunction {
	return func(L *lua.LState) int {
		path := resolveScript(eng.Name(), L.CheckString(1))
		var args marshal.Value
		if L.GetTop() >= 2 {
			v, err := marshal.FromLua(L.Get(2))
			if err != nil {
				L.RaiseError("StartThread: %v", err)
				return 0
			}
			args = v
		}
		id, err := c.StartThread(path, args)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

// resolveScript looks for a relative path next to the calling script first
// and returns it absolute when found there.
func resolveScript(base, path string) string {
	if filepath.IsAbs(path) || base == "" {
		return path
	}
	candidate := filepath.Join(filepath.Dir(base), path)
	if _, err := os.Stat(candidate); err != nil {
		return path
	}
	if abs, err := filepath.Abs(candidate); err == nil {
		return abs
	}
	return candidate
}

func installMain(eng *engine.Engine, c *Controller) {
	installCommon(eng, c.rt, nil)
	eng.Register("StartThread", startThread(c, eng))
	eng.Register("CallbackAfter", func(L *lua.LState) int {
		delay := seconds(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		var args []lua.LValue
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, L.Get(i))
		}
		c.timers = append(c.timers, &timer{due: time.Now().Add(delay), fn: fn, args: args})
		return 0
	})
	eng.Register("SetTimer", func(L *lua.LState) int {
		c.interval = seconds(L.CheckNumber(1))
		c.nextTimer = time.Now().Add(c.interval)
		return 0
	})
}

func installUnthreaded(eng *engine.Engine, c *Controller) {
	installCommon(eng, c.rt, nil)
	eng.Register("StartThread", startThread(c, eng))
}

func installWorker(eng *engine.Engine, t *Thread) {
	installCommon(eng, t.rt, t)
	eng.Register("Sleep", func(L *lua.LState) int {
		if err := t.sleep(seconds(L.CheckNumber(1))); err != nil {
			eng.Raise(L, err)
		}
		return 0
	})
	eng.Register("CallMain", func(L *lua.LState) int {
		name := L.CheckString(1)
		L.Remove(1)
		return forward(eng, t, name, L)
	})
	// Main-only builtins reach the main engine through the handoff. Paths
	// resolve against the worker's own script first.
	eng.Register("StartThread", func(L *lua.LState) int {
		L.Replace(1, lua.LString(resolveScript(eng.Name(), L.CheckString(1))))
		return forward(eng, t, "StartThread", L)
	})
}

func forward(eng *engine.Engine, t *Thread, name string, L *lua.LState) int {
	raw := make([]lua.LValue, L.GetTop())
	for i := range raw {
		raw[i] = L.Get(i + 1)
	}
	args, err := marshal.FromLuaArgs(raw)
	if err != nil {
		eng.Raise(L, &engine.MarshalError{Func: name, Msg: err.Error(), Err: err})
		return 0
	}
	if err := t.checkpoint(); err != nil {
		eng.Raise(L, err)
		return 0
	}
	results, err := t.callMain(name, args)
	if err != nil {
		eng.Raise(L, err)
		return 0
	}
	for _, r := range results {
		L.Push(marshal.ToLua(L, r))
	}
	return len(results)
}

func seconds(n lua.LNumber) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(float64(n) * float64(time.Second))
}
