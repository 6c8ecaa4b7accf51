// Package automation runs an automation script and its worker threads.
//
// A Controller owns the main engine and must be driven from one goroutine
// by calling Tick, the idle pump. Worker threads are started with
// StartThread (from Go or from the main script). Each worker runs on its
// own goroutine locked to an OS thread and calls its script's ThreadRun
// until it returns false.
//
// Workers never touch the main engine. When a worker calls a main-only
// function it parks itself and the pump runs the call on the main engine
// during its next pass, then resumes the worker with copies of the
// results:
//
//	rt := automation.NewRuntime(automation.WithMaxThreads(4))
//	c := automation.NewController(rt)
//	if err := c.Load("bot.lua"); err != nil {
//		return err
//	}
//	_ = c.Login("alice")
//	for running {
//		c.Tick()
//		time.Sleep(16 * time.Millisecond)
//	}
//	return c.Close()
//
// Signals are asynchronous messages addressed by thread id, 0 being the
// main controller. They are serialized at send time, queued per target and
// handed to the target's OnSignal(origin, timestamp, value).
package automation
