package automation

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/signal"
)

// Tick is one idle pump pass. It runs posted work, fires due timers,
// delivers signals sent to the main controller and then services every
// paused worker in id order, one at a time.
func (c *Controller) Tick() {
	start := time.Now()
	if !c.lastTick.IsZero() {
		c.rt.setFrameTime(start.Sub(c.lastTick).Seconds())
	}
	c.lastTick = start

	c.runPosted()
	c.fireTimers(start)
	c.deliverMain()

	for _, t := range c.rt.snapshot() {
		switch {
		case t.stopped.Load():
			c.rt.reap(t, c.emit)
		case t.running.Load():
			if c.rt.signals.Pending(t.id) {
				t.hasSignal.Store(true)
			}
		default:
			c.service(t)
		}
	}

	live, zombies := c.rt.counts()
	c.rt.metrics.SetThreads(live, zombies)
	c.rt.metrics.ObserveTick(time.Since(start))
}

func (c *Controller) service(t *Thread) {
	t.svc.Lock()
	defer t.svc.Unlock()
	if t.running.Load() || t.stopped.Load() {
		return
	}
	reason := pause(t.reason.Load())

	if p := t.pending; reason == pauseCall && p != nil && !p.done {
		c.serviceCall(t, p)
	}
	if out := t.eng.TakePrintBuffer(); out != "" {
		c.emit(out)
	}
	if sigs := c.rt.signals.Drain(t.id); len(sigs) > 0 {
		if t.onSignal.Load() {
			t.delivered = append(t.delivered, sigs...)
			c.rt.metrics.SignalsHandedOff(len(sigs), 0)
		} else {
			c.rt.metrics.SignalsHandedOff(0, len(sigs))
		}
	}
	// A sleeping thread resumes itself at its deadline.
	if reason != pauseSleep {
		t.running.Store(true)
	}
}

func (c *Controller) serviceCall(t *Thread, p *call) {
	defer func() { p.done = true }()
	if p.implicit {
		c.signalMain(p.args)
		return
	}
	if c.main == nil {
		p.err = &engine.MarshalError{Func: p.name, Msg: "no automation script loaded"}
	} else {
		p.results, p.err = c.main.Call(p.name, p.args)
	}
	c.rt.metrics.MarshaledCall(p.err == nil)
	if errors.Is(p.err, engine.ErrWatchdogTimeout) {
		c.rt.metrics.WatchdogTimeout(engine.RoleMain.String())
	}
	if p.err != nil {
		t.log.Debug("marshaled call failed", zap.String("func", p.name), zap.Error(p.err))
	}
}

// signalMain runs the main OnSignal with origin, timestamp and value.
func (c *Controller) signalMain(args []marshal.Value) {
	if !c.main.Has(engine.OnSignal) {
		c.rt.metrics.SignalsHandedOff(0, 1)
		return
	}
	c.rt.metrics.SignalsHandedOff(1, 0)
	_, _ = c.fire(engine.OnSignal, args...)
}

func (c *Controller) deliverMain() {
	sigs := c.rt.signals.Drain(MainID)
	for _, s := range sigs {
		v, err := decode(c.main, s)
		if err != nil {
			c.log.Warn("undecodable signal", zap.Uint32("origin", s.Origin), zap.Error(err))
			continue
		}
		c.signalMain([]marshal.Value{marshal.Number(s.Origin), marshal.Number(s.Timestamp), v})
	}
}

func decode(eng *engine.Engine, s signal.SerializedSignal) (marshal.Value, error) {
	if eng == nil {
		return s.Value()
	}
	return eng.Decode(s.Payload)
}

func (c *Controller) fireTimers(now time.Time) {
	if len(c.timers) > 0 {
		var due []*timer
		kept := c.timers[:0]
		for _, tm := range c.timers {
			if now.Before(tm.due) {
				kept = append(kept, tm)
			} else {
				due = append(due, tm)
			}
		}
		c.timers = kept
		for _, tm := range due {
			err := c.main.CallFunction("CallbackAfter", tm.fn, tm.args...)
			c.observe(engine.RoleMain, err)
		}
	}
	if c.interval > 0 && !now.Before(c.nextTimer) {
		c.nextTimer = now.Add(c.interval)
		_, _ = c.fire(engine.OnTimer)
	}
}
