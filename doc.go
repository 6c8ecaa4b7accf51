// Package autolua hosts Lua automation scripts for an interactive client.
//
// # Overview
//
// One main script reacts to client events (login, chat, messages, timers)
// and can start worker threads. Each worker runs its own interpreter on its
// own OS thread and reaches the main script only through marshaled calls
// and signals, so no interpreter is ever touched by two goroutines.
// Every invocation runs under a watchdog that aborts runaway scripts.
//
// # Basic Usage
//
//	rt := automation.NewRuntime(
//	    automation.WithMaxThreads(4),
//	    automation.WithStore(store.NewMemory()),
//	)
//	ctrl := automation.NewController(rt)
//	if err := ctrl.Load("bot.lua"); err != nil {
//	    return err
//	}
//	ctrl.Login("alice")
//
//	// Drive the pump from one goroutine.
//	for range ticker.C {
//	    ctrl.Tick()
//	}
//
// # Scripts
//
//	function OnLogin()
//	    StartThread("worker.lua", {interval = 2})
//	end
//
//	function OnSignal(origin, ts, value)
//	    print("thread " .. origin .. " says " .. value)
//	end
//
// See the [automation], [engine], [marshal], [signal], [hostfunc] and
// [store] packages for detailed API documentation, and cmd/autolua for the
// command-line host.
package autolua
