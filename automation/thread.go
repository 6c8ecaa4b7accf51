package automation

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/signal"
)

// pause is why a worker stopped running.
type pause int32

const (
	pauseNone pause = iota
	pauseCall
	pauseSignal
	pausePrint
	pauseSleep
)

func (p pause) String() string {
	switch p {
	case pauseCall:
		return "call"
	case pauseSignal:
		return "signal"
	case pausePrint:
		return "print"
	case pauseSleep:
		return "sleep"
	}
	return "none"
}

// call is a pending request for the main engine. The pump fills in the
// results and sets done.
type call struct {
	name     string
	args     []marshal.Value
	implicit bool

	results []marshal.Value
	err     error
	done    bool
}

// Thread is one worker: a goroutine locked to its OS thread that owns a
// worker engine and runs ThreadRun until it returns false, fails or is
// stopped.
type Thread struct {
	id   uint32
	path string
	rt   *Runtime
	log  *zap.Logger

	// eng is set before the load result is reported and never changes.
	eng *engine.Engine

	running   atomic.Bool
	hasSignal atomic.Bool
	quitting  atomic.Bool
	stopped   atomic.Bool
	reaped    atomic.Bool
	loading   atomic.Bool
	onSignal  atomic.Bool
	reason    atomic.Int32

	// svc guards the call slot and delivered signals while the pump
	// services the thread.
	svc       sync.Mutex
	pending   *call
	delivered []signal.SerializedSignal

	owned []signal.SerializedSignal
	done  chan struct{}
}

func newThread(rt *Runtime, id uint32, path string) *Thread {
	return &Thread{
		id:   id,
		path: path,
		rt:   rt,
		log:  rt.log.With(zap.Uint32("thread", id)),
		done: make(chan struct{}),
	}
}

func (t *Thread) ID() uint32 { return t.id }

func (t *Thread) stop() {
	t.quitting.Store(true)
	t.running.Store(true)
}

func (t *Thread) state() string {
	switch {
	case t.stopped.Load():
		return "stopped"
	case t.quitting.Load():
		return "quitting"
	case t.running.Load():
		return "running"
	}
	return "paused:" + pause(t.reason.Load()).String()
}

func (t *Thread) run(args marshal.Value, loaded chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	cfg := t.rt.engineConfig(engine.RoleWorker)
	cfg.Logger = t.log
	eng := engine.New(cfg)
	t.eng = eng
	t.running.Store(true)
	t.loading.Store(true)

	eng.Install(t.rt.registry, engine.Remote{CallMain: t.callMain, Checkpoint: t.checkpoint})
	installWorker(eng, t)
	if args != nil {
		eng.SetGlobal("ThreadArgs", args)
	}
	err := eng.Load(t.path)
	if err == nil && !eng.Has(engine.ThreadRun) {
		err = fmt.Errorf("%s: %w", t.path, ErrNoThreadRun)
	}
	t.loading.Store(false)
	if err != nil {
		eng.Close()
		t.stopped.Store(true)
		t.reaped.Store(true)
		loaded <- err
		return
	}
	t.onSignal.Store(eng.Has(engine.OnSignal))
	loaded <- nil

	t.loop()
	eng.Close()
	t.stopped.Store(true)
	t.log.Debug("thread stopped")
}

func (t *Thread) loop() {
	for {
		time.Sleep(t.rt.cfg.threadTick)
		if t.quitting.Load() {
			return
		}
		if t.hasSignal.Load() {
			t.hasSignal.Store(false)
			if t.suspend(pauseSignal, time.Time{}) != nil {
				return
			}
		}
		if t.eng.HasPrintOutput() {
			if t.suspend(pausePrint, time.Time{}) != nil {
				return
			}
		}

		t.svc.Lock()
		t.owned = append(t.owned, t.delivered...)
		t.delivered = nil
		t.svc.Unlock()
		for len(t.owned) > 0 {
			s := t.owned[0]
			t.owned = t.owned[1:]
			t.deliver(s)
			if t.quitting.Load() {
				return
			}
		}

		out, err := t.eng.Invoke(engine.ThreadRun)
		if err != nil {
			t.observe(err)
			return
		}
		if !bool(out[0].(marshal.Bool)) {
			return
		}
	}
}

func (t *Thread) deliver(s signal.SerializedSignal) {
	v, err := t.eng.Decode(s.Payload)
	if err != nil {
		t.log.Warn("undecodable signal", zap.Uint32("origin", s.Origin), zap.Error(err))
		return
	}
	_, err = t.eng.Invoke(engine.OnSignal, marshal.Number(s.Origin), marshal.Number(s.Timestamp), v)
	t.observe(err)
}

func (t *Thread) observe(err error) {
	switch {
	case err == nil, errors.Is(err, engine.ErrThreadAbort):
	case errors.Is(err, engine.ErrWatchdogTimeout):
		t.rt.metrics.WatchdogTimeout(engine.RoleWorker.String())
	default:
		t.rt.metrics.ScriptError(engine.RoleWorker.String())
	}
}

// suspend parks the worker until the pump resumes it, the thread is
// stopped or, for a non-zero until, the deadline passes. The watchdog is
// paused while parked and resumes with the budget that was left.
func (t *Thread) suspend(reason pause, until time.Time) error {
	active := t.eng.Active()
	wd := t.eng.Watchdog()
	var left time.Duration
	if active {
		left = wd.Pause()
	}
	t.reason.Store(int32(reason))
	t.running.Store(false)
	for !t.running.Load() && !t.quitting.Load() {
		if !until.IsZero() && !time.Now().Before(until) {
			// The pump only touches a paused thread under svc.
			t.svc.Lock()
			t.running.Store(true)
			t.svc.Unlock()
			break
		}
		time.Sleep(t.rt.cfg.poll)
	}
	t.reason.Store(int32(pauseNone))
	if active {
		wd.Resume(left)
	}
	if t.quitting.Load() {
		return engine.ErrThreadAbort
	}
	return nil
}

// checkpoint runs before every host call.
func (t *Thread) checkpoint() error {
	if t.quitting.Load() {
		return engine.ErrThreadAbort
	}
	if t.hasSignal.Load() && !t.loading.Load() {
		t.hasSignal.Store(false)
		return t.suspend(pauseSignal, time.Time{})
	}
	return nil
}

func (t *Thread) sleep(d time.Duration) error {
	if err := t.checkpoint(); err != nil {
		return err
	}
	if t.loading.Load() {
		return ErrLoading
	}
	return t.suspend(pauseSleep, time.Now().Add(d))
}

// callMain hands a call to the pump and waits for its results.
func (t *Thread) callMain(name string, args []marshal.Value) ([]marshal.Value, error) {
	return t.handoff(&call{name: name, args: args})
}

func (t *Thread) handoff(c *call) ([]marshal.Value, error) {
	if t.loading.Load() {
		return nil, &engine.MarshalError{Func: c.name, Msg: ErrLoading.Error(), Err: ErrLoading}
	}
	t.svc.Lock()
	t.pending = c
	t.svc.Unlock()

	err := t.suspend(pauseCall, time.Time{})

	t.svc.Lock()
	t.pending = nil
	t.svc.Unlock()
	if err != nil {
		return nil, err
	}
	if !c.done {
		return nil, &engine.MarshalError{Func: c.name, Msg: "call was not serviced"}
	}
	return c.results, c.err
}
