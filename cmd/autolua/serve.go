package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control API",
	Long: `Run the automation script and expose an HTTP API to control it.

Endpoints:
  POST   /eval                  Evaluate a Lua chunk, returns its output
  POST   /request               Send an automation request, returns the reply
  GET    /threads               List threads and zombies
  POST   /threads               Start a thread {"script": "...", "args": ...}
  DELETE /threads/{id}          Stop a thread
  POST   /threads/{id}/signals  Queue a signal (wire format body; id 0 is main)
  GET    /health                Health check
  GET    /metrics               Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (default from config)")
	serveCmd.Flags().String("script", "", "Automation script (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		a.cfg.Listen = listen
	}
	script, _ := cmd.Flags().GetString("script")
	if script == "" {
		script = a.cfg.Script
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	pumped := make(chan error, 1)
	go func() {
		pumped <- a.pump(pumpCtx, func() {
			if script == "" {
				return
			}
			if err := a.ctrl.Load(script); err != nil {
				a.log.Error("load failed", zap.String("file", script), zap.Error(err))
				return
			}
			_ = a.ctrl.Login(a.cfg.Account)
		})
	}()

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	served := make(chan error, 1)
	go func() {
		served <- srv.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "autolua listening on %s\n", a.cfg.Listen)

	select {
	case <-ctx.Done():
	case err = <-served:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("http shutdown", zap.Error(serr))
	}
	stopPump()
	perr := <-pumped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return perr
}
