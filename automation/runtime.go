package automation

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/internal/metrics"
	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/signal"
	"github.com/caffeineduck/autolua/store"
)

// MainID is the signal target and thread id of the main controller.
const MainID uint32 = 0

// Runtime is the state shared by the main controller and its worker
// threads: the thread registry, the signal queue and the host table.
type Runtime struct {
	cfg      settings
	log      *zap.Logger
	metrics  *metrics.Metrics
	signals  *signal.Queue
	registry *hostfunc.Registry
	store    store.Store

	account atomic.Value
	frame   atomic.Uint64

	mu       sync.Mutex
	threads  map[uint32]*Thread
	zombies  map[uint32]*Thread
	starting int
	nextID   uint32
	closed   bool
}

// NewRuntime builds a runtime. The registry passed with WithRegistry
// receives the data accessors, GetTimeStamp and the exports.
func NewRuntime(opts ...Option) *Runtime {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}
	st := cfg.store
	if st == nil {
		st = store.NewMemory()
	}
	reg := cfg.registry
	if reg == nil {
		reg = hostfunc.NewRegistry()
	}

	rt := &Runtime{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.metrics,
		signals:  signal.NewQueue(),
		registry: reg,
		store:    st,
		threads:  make(map[uint32]*Thread),
		zombies:  make(map[uint32]*Thread),
	}
	rt.account.Store(cfg.account)

	hostfunc.NewData(st, rt.Account).Register(reg)
	reg.Register("GetTimeStamp", hostfunc.GetTimeStamp, hostfunc.Arity(0, 0))
	for name, fn := range cfg.exports {
		reg.Register(name, fn, hostfunc.MainOnly())
	}
	return rt
}

func (rt *Runtime) Logger() *zap.Logger { return rt.log }

func (rt *Runtime) Registry() *hostfunc.Registry { return rt.registry }

func (rt *Runtime) Store() store.Store { return rt.store }

// Account is the name used for per-account data. Empty means none.
func (rt *Runtime) Account() string {
	s, _ := rt.account.Load().(string)
	return s
}

func (rt *Runtime) SetAccount(name string) {
	rt.account.Store(name)
}

// FrameTime is the duration of the last pump interval in seconds.
func (rt *Runtime) FrameTime() float64 {
	return math.Float64frombits(rt.frame.Load())
}

func (rt *Runtime) setFrameTime(seconds float64) {
	rt.frame.Store(math.Float64bits(seconds))
}

// HasThread reports whether id names a registered thread that has not
// stopped.
func (rt *Runtime) HasThread(id uint32) bool {
	rt.mu.Lock()
	t, ok := rt.threads[id]
	rt.mu.Unlock()
	return ok && !t.stopped.Load()
}

// StopThread asks thread id to quit. The thread aborts at its next
// checkpoint and is reaped by the pump. It reports whether id was found.
func (rt *Runtime) StopThread(id uint32) bool {
	rt.mu.Lock()
	t, ok := rt.threads[id]
	rt.mu.Unlock()
	if !ok {
		return false
	}
	t.stop()
	return true
}

// SendSignal queues v for target. Target MainID is the main controller.
func (rt *Runtime) SendSignal(target, origin uint32, v marshal.Value) error {
	if target != MainID && !rt.HasThread(target) {
		return fmt.Errorf("signal %d: %w", target, ErrNoSuchThread)
	}
	if err := rt.signals.Send(target, origin, float64(hostfunc.Now()), v); err != nil {
		return err
	}
	rt.metrics.SignalSent()
	return nil
}

// PushSignal queues an already serialized signal.
func (rt *Runtime) PushSignal(target uint32, s signal.SerializedSignal) error {
	if target != MainID && !rt.HasThread(target) {
		return fmt.Errorf("signal %d: %w", target, ErrNoSuchThread)
	}
	if _, err := s.Value(); err != nil {
		return err
	}
	rt.signals.Push(target, s)
	rt.metrics.SignalSent()
	return nil
}

// ThreadInfo describes one registered thread.
type ThreadInfo struct {
	ID      uint32 `json:"id"`
	Script  string `json:"script"`
	State   string `json:"state"`
	Signals int    `json:"signals"`
}

// Threads lists registered threads in id order.
func (rt *Runtime) Threads() []ThreadInfo {
	list := rt.snapshot()
	out := make([]ThreadInfo, len(list))
	for i, t := range list {
		out[i] = ThreadInfo{
			ID:      t.id,
			Script:  t.path,
			State:   t.state(),
			Signals: rt.signals.Len(t.id),
		}
	}
	return out
}

// Zombies lists threads that did not stop during teardown.
func (rt *Runtime) Zombies() []uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]uint32, 0, len(rt.zombies))
	for id := range rt.zombies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (rt *Runtime) snapshot() []*Thread {
	rt.mu.Lock()
	list := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		list = append(list, t)
	}
	rt.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (rt *Runtime) counts() (live, zombies int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.threads), len(rt.zombies)
}

// startThread loads path on a new worker goroutine and registers it. It
// blocks until the script body has run.
func (rt *Runtime) startThread(path string, args marshal.Value) (uint32, error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return 0, ErrClosed
	}
	if len(rt.threads)+rt.starting >= rt.cfg.maxThreads {
		rt.mu.Unlock()
		rt.metrics.ThreadRejected()
		return 0, ErrTooManyThreads
	}
	rt.nextID++
	id := rt.nextID
	rt.starting++
	rt.mu.Unlock()

	t := newThread(rt, id, path)
	loaded := make(chan error, 1)
	go t.run(args, loaded)
	err := <-loaded

	rt.mu.Lock()
	rt.starting--
	if err == nil {
		rt.threads[id] = t
	}
	rt.mu.Unlock()
	if err != nil {
		return 0, err
	}
	rt.metrics.ThreadStarted()
	rt.log.Info("thread started", zap.Uint32("thread", id), zap.String("file", path))
	return id, nil
}

// reap releases a stopped thread exactly once.
func (rt *Runtime) reap(t *Thread, emit func(string)) {
	if !t.reaped.CompareAndSwap(false, true) {
		return
	}
	if out := t.eng.TakePrintBuffer(); out != "" {
		emit(out)
	}
	rt.signals.Remove(t.id)
	rt.mu.Lock()
	delete(rt.threads, t.id)
	delete(rt.zombies, t.id)
	rt.mu.Unlock()
	rt.metrics.ThreadReaped()
	rt.log.Debug("thread reaped", zap.Uint32("thread", t.id))
}

func (rt *Runtime) engineConfig(role engine.Role) engine.Config {
	cfg := engine.Config{
		Role:         role,
		Logger:       rt.log,
		IncludePaths: rt.cfg.includePaths,
		Defines:      rt.cfg.defines,
	}
	if role != engine.RoleWorker {
		cfg.Budget = rt.cfg.budget
	}
	return cfg
}
