package main

import (
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec <file>",
	Short: "Execute a Lua file once",
	Long: `Execute a Lua file once in a transient engine and print its output.

The watchdog budget for one-shot execution is 10 seconds.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	err = a.ctrl.Execute(args[0])
	if cerr := a.shutdown(); err == nil {
		err = cerr
	}
	return err
}
