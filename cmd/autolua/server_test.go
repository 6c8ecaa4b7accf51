package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/autolua/internal/config"
	"github.com/caffeineduck/autolua/marshal"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const testMain = `
function OnSignal(origin, ts, v) print("signal " .. tostring(v)) end
function OnAutomationRequest(text) return "pong:" .. text end
`

func setupTestServer(t *testing.T, edit func(*config.Config)) (*httptest.Server, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Tick = time.Millisecond
	cfg.Log.Level = "error"
	if edit != nil {
		edit(&cfg)
	}
	out := &syncBuffer{}
	a, err := buildApp(cfg, out)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.pump(ctx, func() {
			assert.NoError(t, a.ctrl.LoadString("main.lua", testMain))
			assert.NoError(t, a.ctrl.Login("tester"))
		})
	}()
	srv := httptest.NewServer(newRouter(a))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return srv, out
}

func post(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	resp := do(t, http.MethodGet, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestEvalEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, nil)

	resp := post(t, srv.URL+"/eval", "application/json", `{"code": "print(1 + 2)"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out evalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "3", out.Output)
	assert.Empty(t, out.Error)

	resp = post(t, srv.URL+"/eval", "application/json", `{"code": "error('boom')"}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Error, "boom")

	resp = post(t, srv.URL+"/eval", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = post(t, srv.URL+"/eval", "application/json", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	resp := post(t, srv.URL+"/request", "application/json", `{"text": "hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out requestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "pong:hi", out.Reply)
}

func TestThreadLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	script := writeFile(t, "worker.lua", `function ThreadRun() Sleep(0.01) return true end`)

	resp := post(t, srv.URL+"/threads", "application/json", `{"script": "`+script+`", "args": {"n": 1}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started startThreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, uint32(1), started.ID)

	list := func() threadsResponse {
		var out threadsResponse
		resp := do(t, http.MethodGet, srv.URL+"/threads")
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}
	require.Len(t, list().Threads, 1)

	resp = post(t, srv.URL+"/threads/1/signals", "text/plain", `0;1.5|{["x"]=1;}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/threads/1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Eventually(t, func() bool { return len(list().Threads) == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/threads/1").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodDelete, srv.URL+"/threads/abc").StatusCode)
}

func TestStartThreadErrors(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *config.Config) { c.MaxThreads = 1 })
	script := writeFile(t, "worker.lua", `function ThreadRun() Sleep(0.01) return true end`)

	resp := post(t, srv.URL+"/threads", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := writeFile(t, "bad.lua", `x = 1`)
	resp = post(t, srv.URL+"/threads", "application/json", `{"script": "`+bad+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = post(t, srv.URL+"/threads", "application/json", `{"script": "`+script+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = post(t, srv.URL+"/threads", "application/json", `{"script": "`+script+`"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSignalEndpoint(t *testing.T) {
	srv, out := setupTestServer(t, nil)

	resp := post(t, srv.URL+"/threads/0/signals", "text/plain", `0;12.5|"hi"`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "signal hi") }, 5*time.Second, 10*time.Millisecond)

	resp = post(t, srv.URL+"/threads/7/signals", "text/plain", `0;1|1`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = post(t, srv.URL+"/threads/0/signals", "text/plain", `no separators`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = post(t, srv.URL+"/threads/0/signals", "text/plain", `0;1|{unclosed`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	post(t, srv.URL+"/threads/0/signals", "text/plain", `0;1|1`)
	resp := do(t, http.MethodGet, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "autolua_signals_sent_total 1")
}

func TestFromJSON(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"b": [1, "x", true], "a": null, "c": {"d": 2}}`), &doc))
	v, err := fromJSON(doc)
	require.NoError(t, err)

	tbl := v.(*marshal.Table)
	assert.Equal(t, marshal.Nil{}, tbl.GetString("a"))
	list := tbl.GetString("b").(*marshal.Table)
	assert.Equal(t, marshal.Number(1), list.Get(marshal.Number(1)))
	assert.Equal(t, marshal.String("x"), list.Get(marshal.Number(2)))
	assert.Equal(t, marshal.Bool(true), list.Get(marshal.Number(3)))
	assert.Equal(t, marshal.Number(2), tbl.GetString("c").(*marshal.Table).GetString("d"))
}
