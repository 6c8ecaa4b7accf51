package automation

import (
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/engine"
	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/internal/metrics"
	"github.com/caffeineduck/autolua/store"
)

// Option configures a Runtime.
type Option func(*settings)

type settings struct {
	maxThreads   int
	budget       time.Duration
	teardown     time.Duration
	poll         time.Duration
	threadTick   time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	store        store.Store
	account      string
	feed         func(string)
	registry     *hostfunc.Registry
	includePaths []string
	defines      map[string]string
	exports      map[string]hostfunc.Func
}

func defaultSettings() settings {
	return settings{
		maxThreads: 8,
		budget:     engine.DefaultBudget,
		teardown:   2 * time.Second,
		poll:       time.Millisecond,
		threadTick: 5 * time.Millisecond,
	}
}

// WithMaxThreads caps the number of live worker threads.
func WithMaxThreads(n int) Option {
	return func(s *settings) {
		s.maxThreads = n
	}
}

// WithWatchdogBudget sets the main and unthreaded budget. It is clamped.
func WithWatchdogBudget(d time.Duration) Option {
	return func(s *settings) {
		s.budget = engine.ClampBudget(d)
	}
}

// WithTeardownTimeout bounds how long Close waits for threads to stop.
func WithTeardownTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.teardown = d
	}
}

// WithPollInterval sets the sleep between checks of a suspended thread.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithThreadTick sets the sleep at the top of every worker loop iteration.
func WithThreadTick(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.threadTick = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithStore backs the data accessors. The default is an in-memory store.
func WithStore(st store.Store) Option {
	return func(s *settings) {
		s.store = st
	}
}

// WithAccount sets the account used before the first Login.
func WithAccount(name string) Option {
	return func(s *settings) {
		s.account = name
	}
}

// WithFeed receives every line printed to the user-visible feed.
func WithFeed(fn func(string)) Option {
	return func(s *settings) {
		s.feed = fn
	}
}

// WithRegistry adds host functions. The runtime registers its own entries
// into it.
func WithRegistry(reg *hostfunc.Registry) Option {
	return func(s *settings) {
		s.registry = reg
	}
}

// WithIncludePaths sets the preprocessor include search path.
func WithIncludePaths(paths []string) Option {
	return func(s *settings) {
		s.includePaths = paths
	}
}

// WithDefines predefines preprocessor symbols.
func WithDefines(defs map[string]string) Option {
	return func(s *settings) {
		s.defines = defs
	}
}

// WithExports adds main-only host functions. Worker calls to them are
// marshaled to the main goroutine.
func WithExports(exports map[string]hostfunc.Func) Option {
	return func(s *settings) {
		s.exports = exports
	}
}
