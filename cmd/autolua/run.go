package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Run an automation script",
	Long: `Load an automation script, log in and pump it until interrupted.

Each line read from stdin is delivered to the script's OnReceivedChat
callback. With --watch the script is reloaded whenever its file changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("watch", false, "Reload the script when its file changes")
	runCmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().Duration("tick", 0, "Pump interval (default from config)")
	runCmd.Flags().String("account", "", "Account passed to Login (default from config)")
	runCmd.Flags().Bool("no-stdin", false, "Do not read chat lines from stdin")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	script := a.cfg.Script
	if len(args) > 0 {
		script = args[0]
	}
	if script == "" {
		return errors.New("no script: pass one or set script in the config")
	}
	if tick, _ := cmd.Flags().GetDuration("tick"); tick > 0 {
		a.cfg.Tick = tick
	}
	account := a.cfg.Account
	if name, _ := cmd.Flags().GetString("account"); name != "" {
		account = name
	}
	watch, _ := cmd.Flags().GetBool("watch")
	duration, _ := cmd.Flags().GetDuration("duration")
	noStdin, _ := cmd.Flags().GetBool("no-stdin")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loadErr error
	setup := func() {
		if err := a.ctrl.Load(script); err != nil {
			loadErr = err
			cancel()
			return
		}
		if err := a.ctrl.Login(account); err != nil {
			a.log.Warn("OnLogin failed", zap.Error(err))
		}
	}

	if watch {
		if err := watchScript(ctx, a, script); err != nil {
			return err
		}
	}
	if !noStdin {
		go readChat(ctx, a, cmd)
	}

	err = a.pump(ctx, setup)
	if loadErr != nil {
		return loadErr
	}
	return err
}

func readChat(ctx context.Context, a *app, cmd *cobra.Command) {
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		line := sc.Text()
		if ctx.Err() != nil {
			return
		}
		a.ctrl.Post(func() {
			if err := a.ctrl.ReceivedChat("stdin", line); err != nil {
				a.log.Debug("OnReceivedChat failed", zap.Error(err))
			}
		})
	}
}

// watchScript reloads script on the pump goroutine after its file settles.
func watchScript(ctx context.Context, a *app, script string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", script, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		const delay = 100 * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(delay, func() {
					a.ctrl.Post(func() {
						if err := a.ctrl.Reload(script); err != nil {
							a.log.Warn("reload failed", zap.String("file", script), zap.Error(err))
							return
						}
						a.log.Info("script reloaded", zap.String("file", script))
					})
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.log.Warn("file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
