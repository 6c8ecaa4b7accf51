package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caffeineduck/autolua/automation"
	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/signal"
)

const maxBody = 1 << 20

type evalRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type evalResponse struct {
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type requestBody struct {
	Text string `json:"text"`
}

type requestResponse struct {
	Reply string `json:"reply"`
}

type startThreadRequest struct {
	Script string `json:"script"`
	Args   any    `json:"args,omitempty"`
}

type startThreadResponse struct {
	ID uint32 `json:"id"`
}

type threadsResponse struct {
	Threads []automation.ThreadInfo `json:"threads"`
	Zombies []uint32                `json:"zombies"`
}

// server handles the control API. Handlers that touch an engine run on the
// pump goroutine through Controller.Do.
type server struct {
	a *app
}

func newRouter(a *app) http.Handler {
	s := &server{a: a}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", a.metrics.Handler())
	r.Post("/eval", s.eval)
	r.Post("/request", s.request)
	r.Route("/threads", func(r chi.Router) {
		r.Get("/", s.listThreads)
		r.Post("/", s.startThread)
		r.Delete("/{id}", s.stopThread)
		r.Post("/{id}/signals", s.signal)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) eval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	start := time.Now()
	var out string
	err := s.a.ctrl.Do(ctx, func() error {
		var evalErr error
		out, evalErr = s.a.ctrl.Eval(req.Code)
		return evalErr
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp := evalResponse{Output: out, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) request(w http.ResponseWriter, r *http.Request) {
	var req requestBody
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var reply string
	err := s.a.ctrl.Do(r.Context(), func() error {
		reply = s.a.ctrl.AutomationRequest(req.Text)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{Reply: reply})
}

func (s *server) listThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, threadsResponse{
		Threads: s.a.rt.Threads(),
		Zombies: s.a.rt.Zombies(),
	})
}

func (s *server) startThread(w http.ResponseWriter, r *http.Request) {
	var req startThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Script == "" {
		http.Error(w, "script required", http.StatusBadRequest)
		return
	}
	var args marshal.Value
	if req.Args != nil {
		v, err := fromJSON(req.Args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		args = v
	}

	var id uint32
	err := s.a.ctrl.Do(r.Context(), func() error {
		var startErr error
		id, startErr = s.a.ctrl.StartThread(req.Script, args)
		return startErr
	})
	switch {
	case errors.Is(err, automation.ErrTooManyThreads), errors.Is(err, automation.ErrClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeJSON(w, http.StatusCreated, startThreadResponse{ID: id})
	}
}

func threadID(r *http.Request) (uint32, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid thread id %q", chi.URLParam(r, "id"))
	}
	return uint32(n), nil
}

func (s *server) stopThread(w http.ResponseWriter, r *http.Request) {
	id, err := threadID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.a.rt.StopThread(id) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) signal(w http.ResponseWriter, r *http.Request) {
	id, err := threadID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig, err := signal.Parse(strings.TrimSpace(string(body)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch err := s.a.rt.PushSignal(id, sig); {
	case errors.Is(err, automation.ErrNoSuchThread):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// fromJSON converts a decoded JSON document into a script value. Object keys
// become string keys.
func fromJSON(v any) (marshal.Value, error) {
	switch v := v.(type) {
	case nil:
		return marshal.Nil{}, nil
	case bool:
		return marshal.Bool(v), nil
	case float64:
		return marshal.Number(v), nil
	case string:
		return marshal.String(v), nil
	case []any:
		items := make([]marshal.Value, len(v))
		for i, item := range v {
			mv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			items[i] = mv
		}
		return marshal.List(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tbl := marshal.NewTable()
		for _, k := range keys {
			mv, err := fromJSON(v[k])
			if err != nil {
				return nil, err
			}
			tbl.SetString(k, mv)
		}
		return tbl, nil
	}
	return nil, fmt.Errorf("unsupported json value %T", v)
}
