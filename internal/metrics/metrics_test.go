package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorders(t *testing.T) {
	m := New()
	m.ThreadStarted()
	m.ThreadStarted()
	m.ThreadRejected()
	m.SetThreads(2, 1)
	m.SignalsHandedOff(3, 1)
	m.MarshaledCall(true)
	m.MarshaledCall(false)
	m.WatchdogTimeout("worker")
	m.ObserveTick(time.Millisecond)

	out := scrape(t, m)
	for _, line := range []string{
		"autolua_threads_started_total 2",
		"autolua_threads_rejected_total 1",
		"autolua_threads_live 2",
		"autolua_threads_zombie 1",
		"autolua_signals_delivered_total 3",
		"autolua_signals_discarded_total 1",
		`autolua_marshaled_calls_total{result="error"} 1`,
		`autolua_watchdog_timeouts_total{role="worker"} 1`,
		"autolua_tick_duration_seconds_count 1",
	} {
		assert.Contains(t, out, line)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ThreadStarted()
	m.SetThreads(1, 0)
	m.MarshaledCall(true)
	m.ObserveTick(time.Second)
}

func TestHandler(t *testing.T) {
	m := New()
	m.SignalSent()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "autolua_signals_sent_total 1")
}
