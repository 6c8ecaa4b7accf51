package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Budgets.
const (
	MinBudget     = 10 * time.Millisecond
	MaxBudget     = 2 * time.Second
	DefaultBudget = time.Second
	WorkerBudget  = 500 * time.Millisecond
	ExecuteBudget = 10 * time.Second
)

// ClampBudget bounds a main or unthreaded budget. Zero selects the default.
func ClampBudget(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultBudget
	case d < MinBudget:
		return MinBudget
	case d > MaxBudget:
		return MaxBudget
	}
	return d
}

// Watchdog is a resettable deadline. It implements context.Context and is
// installed on the interpreter for the duration of an invocation; the
// interpreter checks Done before every instruction and raises Err once it
// is closed.
type Watchdog struct {
	budget time.Duration

	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	gen      uint64

	done    atomic.Pointer[chan struct{}]
	expired atomic.Bool
}

var _ context.Context = (*Watchdog)(nil)

func NewWatchdog(budget time.Duration) *Watchdog {
	w := &Watchdog{budget: budget}
	ch := make(chan struct{})
	w.done.Store(&ch)
	return w
}

func (w *Watchdog) Budget() time.Duration { return w.budget }

// Reset arms the deadline at now + budget, clearing a previous expiry.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.expired.Load() {
		ch := make(chan struct{})
		w.done.Store(&ch)
		w.expired.Store(false)
	}
	w.arm(w.budget)
}

// Resume re-arms a stopped deadline with d left, as returned by Pause. An
// expiry is kept.
func (w *Watchdog) Resume(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired.Load() {
		return
	}
	w.arm(max(d, 0))
}

// Pause disarms the deadline and returns the time that was left.
func (w *Watchdog) Pause() time.Duration {
	left := w.Remaining()
	w.Stop()
	return left
}

func (w *Watchdog) arm(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.deadline = time.Now().Add(d)
	w.timer = time.AfterFunc(d, func() { w.fire(gen) })
}

// Stop disarms the deadline without clearing an expiry.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.deadline = time.Time{}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.expired.Load() {
		return
	}
	w.expired.Store(true)
	close(*w.done.Load())
}

// Expired reports whether the deadline passed since the last Reset.
func (w *Watchdog) Expired() bool {
	return w.expired.Load()
}

// Remaining is the time left before expiry, zero when disarmed or expired.
func (w *Watchdog) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deadline.IsZero() || w.expired.Load() {
		return 0
	}
	if d := time.Until(w.deadline); d > 0 {
		return d
	}
	return 0
}

func (w *Watchdog) Deadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline, !w.deadline.IsZero()
}

func (w *Watchdog) Done() <-chan struct{} {
	return *w.done.Load()
}

func (w *Watchdog) Err() error {
	if w.expired.Load() {
		return ErrWatchdogTimeout
	}
	return nil
}

func (w *Watchdog) Value(key any) any { return nil }
