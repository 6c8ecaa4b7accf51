package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/marshal"
)

// Controller owns the main engine. Every method except Post and Do must be
// called from one goroutine, the one that calls Tick.
type Controller struct {
	rt   *Runtime
	log  *zap.Logger
	main *engine.Engine

	ready atomic.Bool
	quit  bool

	timers    []*timer
	interval  time.Duration
	nextTimer time.Time
	lastTick  time.Time

	postMu sync.Mutex
	posted []func()
}

type timer struct {
	due  time.Time
	fn   *lua.LFunction
	args []lua.LValue
}

func NewController(rt *Runtime) *Controller {
	return &Controller{
		rt:  rt,
		log: rt.log.With(zap.Uint32("thread", MainID)),
	}
}

func (c *Controller) Runtime() *Runtime { return c.rt }

// Engine is the current main engine, nil before a successful load.
func (c *Controller) Engine() *engine.Engine { return c.main }

// Ready reports whether Login has run.
func (c *Controller) Ready() bool { return c.ready.Load() }

func (c *Controller) emit(text string) {
	if c.rt.cfg.feed != nil {
		c.rt.cfg.feed(text)
		return
	}
	c.log.Info(text)
}

func (c *Controller) newMain() *engine.Engine {
	cfg := c.rt.engineConfig(engine.RoleMain)
	cfg.Logger = c.log
	cfg.Emit = c.emit
	cfg.Ready = c.ready.Load
	eng := engine.New(cfg)
	eng.Install(c.rt.registry, engine.Remote{})
	installMain(eng, c)
	return eng
}

// Load replaces the main engine with one running the script at path. On
// failure no script is loaded.
func (c *Controller) Load(path string) error {
	return c.replace(func(eng *engine.Engine) error { return eng.Load(path) }, false)
}

// LoadString is Load for in-memory source.
func (c *Controller) LoadString(name, src string) error {
	return c.replace(func(eng *engine.Engine) error { return eng.LoadString(name, src) }, false)
}

// Reload loads path into a fresh engine and swaps it in only if the load
// succeeds. After Login the new script receives OnLogin.
func (c *Controller) Reload(path string) error {
	return c.replace(func(eng *engine.Engine) error { return eng.Load(path) }, true)
}

func (c *Controller) replace(load func(*engine.Engine) error, keepOnFailure bool) error {
	eng := c.newMain()
	if err := load(eng); err != nil {
		c.observe(engine.RoleMain, err)
		if out := eng.TakePrintBuffer(); out != "" && c.ready.Load() {
			c.emit(out)
		}
		eng.Close()
		if !keepOnFailure {
			c.retire()
		}
		return err
	}
	c.retire()
	c.main = eng
	c.log.Info("script loaded", zap.String("file", eng.Name()))
	if c.ready.Load() {
		_, err := c.fire(engine.OnLogin)
		return ignoreMissing(err)
	}
	return nil
}

// retire runs OnQuit on the current main engine and closes it.
func (c *Controller) retire() {
	if c.main == nil {
		return
	}
	_, _ = c.fire(engine.OnQuit)
	c.main.Close()
	c.main = nil
	c.timers = nil
	c.interval = 0
}

func ignoreMissing(err error) error {
	if errors.Is(err, engine.ErrNoCallback) {
		return nil
	}
	return err
}

func (c *Controller) fire(callback string, args ...marshal.Value) ([]marshal.Value, error) {
	if !c.main.Has(callback) {
		return nil, engine.ErrNoCallback
	}
	out, err := c.main.Invoke(callback, args...)
	c.observe(engine.RoleMain, err)
	return out, err
}

func (c *Controller) observe(role engine.Role, err error) {
	var rerr *engine.RuntimeError
	var lerr *engine.LoadError
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrWatchdogTimeout):
		c.rt.metrics.WatchdogTimeout(role.String())
	case errors.As(err, &rerr), errors.As(err, &lerr):
		c.rt.metrics.ScriptError(role.String())
	}
}

// Fire invokes callback on the main engine. It returns engine.ErrNoCallback
// when the script does not define it.
func (c *Controller) Fire(callback string, args ...marshal.Value) ([]marshal.Value, error) {
	return c.fire(callback, args...)
}

// Login marks the feed ready, flushes output buffered before it and fires
// OnLogin.
func (c *Controller) Login(account string) error {
	c.rt.SetAccount(account)
	c.ready.Store(true)
	if out := c.main.TakePrintBuffer(); out != "" {
		c.emit(out)
	}
	_, err := c.fire(engine.OnLogin)
	return ignoreMissing(err)
}

// SendChat passes outgoing chat through OnSendChat and returns the text to
// send. Without the callback, or when it fails, text is returned unchanged.
func (c *Controller) SendChat(text string) string {
	out, err := c.fire(engine.OnSendChat, marshal.String(text))
	if err != nil {
		return text
	}
	return string(out[0].(marshal.String))
}

func (c *Controller) ReceivedChat(from, text string) error {
	_, err := c.fire(engine.OnReceivedChat, marshal.String(from), marshal.String(text))
	return ignoreMissing(err)
}

func (c *Controller) InstantMsg(from, text string) error {
	_, err := c.fire(engine.OnInstantMsg, marshal.String(from), marshal.String(text))
	return ignoreMissing(err)
}

func (c *Controller) AutomationMessage(text string) error {
	_, err := c.fire(engine.OnAutomationMessage, marshal.String(text))
	return ignoreMissing(err)
}

// AutomationRequest returns the OnAutomationRequest reply, or "" when there
// is none.
func (c *Controller) AutomationRequest(text string) string {
	out, err := c.fire(engine.OnAutomationRequest, marshal.String(text))
	if err != nil {
		return ""
	}
	return string(out[0].(marshal.String))
}

// StartThread starts a worker running the script at path. args becomes the
// worker's ThreadArgs global.
func (c *Controller) StartThread(path string, args marshal.Value) (uint32, error) {
	return c.rt.startThread(path, args)
}

func (c *Controller) newUnthreaded(execute bool) *engine.Engine {
	cfg := c.rt.engineConfig(engine.RoleUnthreaded)
	cfg.Execute = execute
	eng := engine.New(cfg)
	eng.Install(c.rt.registry, engine.Remote{})
	installUnthreaded(eng, c)
	return eng
}

// Eval runs chunk in a transient engine and returns what it printed.
func (c *Controller) Eval(chunk string) (string, error) {
	eng := c.newUnthreaded(false)
	defer eng.Close()
	err := eng.LoadString("eval", chunk)
	c.observe(engine.RoleUnthreaded, err)
	return eng.TakePrintBuffer(), err
}

// Execute runs the script at path in a transient engine with the larger
// one-shot budget. Its output goes to the feed.
func (c *Controller) Execute(path string) error {
	eng := c.newUnthreaded(true)
	defer eng.Close()
	err := eng.Load(path)
	c.observe(engine.RoleUnthreaded, err)
	if out := eng.TakePrintBuffer(); out != "" {
		c.emit(out)
	}
	return err
}

// Post queues fn to run on the pump goroutine at the next Tick.
func (c *Controller) Post(fn func()) {
	c.postMu.Lock()
	c.posted = append(c.posted, fn)
	c.postMu.Unlock()
}

// Do runs fn on the pump goroutine and waits for it.
func (c *Controller) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	c.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) runPosted() {
	c.postMu.Lock()
	work := c.posted
	c.posted = nil
	c.postMu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// Close fires OnQuit, stops every thread and waits up to the teardown
// timeout. Threads still running are kept as zombies and ErrZombieThreads
// is returned; calling Close again retries them.
func (c *Controller) Close() error {
	if !c.quit {
		c.quit = true
		c.runPosted()
		c.retire()
	}
	return c.teardown()
}

func (c *Controller) teardown() error {
	rt := c.rt
	rt.mu.Lock()
	rt.closed = true
	list := make([]*Thread, 0, len(rt.threads)+len(rt.zombies))
	for _, t := range rt.threads {
		list = append(list, t)
	}
	for _, t := range rt.zombies {
		list = append(list, t)
	}
	rt.mu.Unlock()

	for _, t := range list {
		t.stop()
	}
	deadline := time.Now().Add(rt.cfg.teardown)
	for !allStopped(list) && time.Now().Before(deadline) {
		time.Sleep(rt.cfg.poll)
	}

	var zombies []uint32
	for _, t := range list {
		if t.stopped.Load() {
			rt.reap(t, c.emit)
			continue
		}
		zombies = append(zombies, t.id)
		rt.mu.Lock()
		delete(rt.threads, t.id)
		rt.zombies[t.id] = t
		rt.mu.Unlock()
	}
	live, z := rt.counts()
	rt.metrics.SetThreads(live, z)
	if len(zombies) > 0 {
		c.log.Error("threads did not stop", zap.Any("zombies", zombies))
		return fmt.Errorf("%w: %v", ErrZombieThreads, zombies)
	}
	return nil
}

func allStopped(list []*Thread) bool {
	for _, t := range list {
		if !t.stopped.Load() {
			return false
		}
	}
	return true
}
