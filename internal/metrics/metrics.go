// Package metrics defines the Prometheus collectors of the automation
// runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autolua"

// Metrics holds the collectors and their registry. A nil *Metrics records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ThreadsLive      prometheus.Gauge
	ThreadsStarted   prometheus.Counter
	ThreadsRejected  prometheus.Counter
	ThreadsReaped    prometheus.Counter
	Zombies          prometheus.Gauge
	SignalsSent      prometheus.Counter
	SignalsDelivered prometheus.Counter
	SignalsDiscarded prometheus.Counter
	MarshaledCalls   *prometheus.CounterVec
	WatchdogTimeouts *prometheus.CounterVec
	ScriptErrors     *prometheus.CounterVec
	TickDuration     prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ThreadsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threads_live",
			Help: "Worker threads currently registered",
		}),
		ThreadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "threads_started_total",
			Help: "Worker threads started",
		}),
		ThreadsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "threads_rejected_total",
			Help: "Thread starts rejected at the thread limit",
		}),
		ThreadsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "threads_reaped_total",
			Help: "Stopped worker threads released",
		}),
		Zombies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threads_zombie",
			Help: "Threads that did not stop within the teardown timeout",
		}),
		SignalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_sent_total",
			Help: "Signals queued",
		}),
		SignalsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_delivered_total",
			Help: "Signals handed to a target",
		}),
		SignalsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_discarded_total",
			Help: "Signals dropped because the target has no OnSignal",
		}),
		MarshaledCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "marshaled_calls_total",
			Help: "Worker calls serviced on the main engine",
		}, []string{"result"}),
		WatchdogTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "watchdog_timeouts_total",
			Help: "Invocations aborted by the watchdog",
		}, []string{"role"}),
		ScriptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "script_errors_total",
			Help: "Script errors caught at an invocation boundary",
		}, []string{"role"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Idle pump pass duration",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
	}
	m.Registry.MustRegister(
		m.ThreadsLive, m.ThreadsStarted, m.ThreadsRejected, m.ThreadsReaped, m.Zombies,
		m.SignalsSent, m.SignalsDelivered, m.SignalsDiscarded,
		m.MarshaledCalls, m.WatchdogTimeouts, m.ScriptErrors, m.TickDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ThreadStarted() {
	if m != nil {
		m.ThreadsStarted.Inc()
	}
}

func (m *Metrics) ThreadRejected() {
	if m != nil {
		m.ThreadsRejected.Inc()
	}
}

func (m *Metrics) ThreadReaped() {
	if m != nil {
		m.ThreadsReaped.Inc()
	}
}

// SetThreads records the live and zombie counts.
func (m *Metrics) SetThreads(live, zombies int) {
	if m != nil {
		m.ThreadsLive.Set(float64(live))
		m.Zombies.Set(float64(zombies))
	}
}

func (m *Metrics) SignalSent() {
	if m != nil {
		m.SignalsSent.Inc()
	}
}

func (m *Metrics) SignalsHandedOff(delivered, discarded int) {
	if m != nil {
		m.SignalsDelivered.Add(float64(delivered))
		m.SignalsDiscarded.Add(float64(discarded))
	}
}

func (m *Metrics) MarshaledCall(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.MarshaledCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) WatchdogTimeout(role string) {
	if m != nil {
		m.WatchdogTimeouts.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) ScriptError(role string) {
	if m != nil {
		m.ScriptErrors.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}
