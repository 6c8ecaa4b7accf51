package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive Lua console",
	Long: `Start an interactive console. Each line runs in a fresh engine that
shares the runtime with the automation script, so threads, signals and data
are visible.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - :threads lists the running workers

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("script", "", "Automation script to load first")
	replCmd.Flags().String("history", "", "History file path (default: ~/.autolua_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	script, _ := cmd.Flags().GetString("script")
	if script == "" {
		script = a.cfg.Script
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".autolua_history")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	pumped := make(chan error, 1)
	go func() {
		pumped <- a.pump(ctx, func() {
			if script == "" {
				return
			}
			if err := a.ctrl.Load(script); err != nil {
				a.log.Warn("load failed", zap.String("file", script), zap.Error(err))
				return
			}
			_ = a.ctrl.Login(a.cfg.Account)
		})
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		cancel()
		<-pumped
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "autolua console: 'exit' or Ctrl+D leaves, ':threads' lists workers")

	var pending chunk
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			pending.reset()
			rl.SetPrompt("> ")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "read input: %v\n", err)
			}
			break
		}

		code, complete := pending.add(line)
		if !complete {
			rl.SetPrompt(">> ")
			continue
		}
		rl.SetPrompt("> ")

		if code == "exit" || code == "quit" {
			break
		}
		switch code {
		case "":
		case ":threads":
			for _, info := range a.rt.Threads() {
				fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-16s %3d  %s\n", info.ID, info.State, info.Signals, info.Script)
			}
		default:
			evalLine(ctx, a, cmd, code)
		}
	}

	cancel()
	return <-pumped
}

func evalLine(ctx context.Context, a *app, cmd *cobra.Command, code string) {
	var out string
	err := a.ctrl.Do(ctx, func() error {
		var evalErr error
		out, evalErr = a.ctrl.Eval(code)
		return evalErr
	})
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	// The engine already printed script errors to the buffer.
	if err != nil && out == "" {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

// chunk joins lines ending in a backslash into one chunk.
type chunk struct {
	buf strings.Builder
}

func (c *chunk) reset() { c.buf.Reset() }

// add appends line and reports whether the chunk is complete. A complete
// chunk is returned trimmed and the buffer is cleared.
func (c *chunk) add(line string) (string, bool) {
	if rest, ok := strings.CutSuffix(line, "\\"); ok {
		c.buf.WriteString(rest)
		c.buf.WriteByte('\n')
		return "", false
	}
	c.buf.WriteString(line)
	code := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return code, true
}
