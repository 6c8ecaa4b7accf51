package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/autolua/automation"
	"github.com/caffeineduck/autolua/hostfunc"
	"github.com/caffeineduck/autolua/internal/config"
	"github.com/caffeineduck/autolua/internal/logging"
	"github.com/caffeineduck/autolua/internal/metrics"
	"github.com/caffeineduck/autolua/marshal"
	"github.com/caffeineduck/autolua/store"
)

// app wires one controller from the configuration.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	metrics *metrics.Metrics
	rt      *automation.Runtime
	ctrl    *automation.Controller

	outMu sync.Mutex
	out   io.Writer
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, cmd.OutOrStdout())
}

func buildApp(cfg config.Config, out io.Writer) (*app, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: metrics.New(),
		out:     out,
	}
	a.rt = automation.NewRuntime(
		automation.WithMaxThreads(cfg.MaxThreads),
		automation.WithWatchdogBudget(cfg.Watchdog),
		automation.WithTeardownTimeout(cfg.TeardownTimeout),
		automation.WithPollInterval(cfg.Poll),
		automation.WithLogger(log),
		automation.WithMetrics(a.metrics),
		automation.WithStore(st),
		automation.WithAccount(cfg.Account),
		automation.WithFeed(a.print),
		automation.WithIncludePaths(cfg.IncludePaths),
		automation.WithDefines(cfg.Defines),
		automation.WithExports(exports(cfg.Exports)),
	)
	a.ctrl = automation.NewController(a.rt)
	return a, nil
}

// exports turns configured name/value pairs into functions returning the
// value.
func exports(values map[string]string) map[string]hostfunc.Func {
	out := make(map[string]hostfunc.Func, len(values))
	for name, value := range values {
		v := marshal.String(value)
		out[name] = func(ctx context.Context, args []marshal.Value) ([]marshal.Value, error) {
			return []marshal.Value{v}, nil
		}
	}
	return out
}

func (a *app) print(text string) {
	a.outMu.Lock()
	fmt.Fprintln(a.out, text)
	a.outMu.Unlock()
}

// pump ticks the controller until ctx is done, then closes it on the same
// goroutine. A zombie teardown is retried once.
func (a *app) pump(ctx context.Context, ready func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if ready != nil {
		ready()
	}
	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			a.ctrl.Tick()
		}
	}
}

func (a *app) shutdown() error {
	err := a.ctrl.Close()
	if err != nil {
		a.log.Warn("teardown incomplete, retrying", zap.Error(err))
		err = a.ctrl.Close()
	}
	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("close store", zap.Error(cerr))
	}
	_ = a.log.Sync()
	return err
}
