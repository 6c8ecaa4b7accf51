package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/autolua/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "autolua",
	Short: "Lua automation runtime with worker threads and signals",
	Long: `autolua - Run Lua automation scripts with worker threads.

A main automation script reacts to events (login, chat, timers). It can start
worker threads that run their own script on a separate OS thread, exchange
signals with each other and call back into the main script.

Configuration is read from --config (YAML) and overridden with --set
key=value pairs.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringArray("set", nil, "Override a configuration key, e.g. --set store.kind=redis (repeatable)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console, json")
}

// loadConfig layers the file, --set overrides and the log flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	sets, _ := flags.GetStringArray("set")
	overrides, err := config.ParseSet(sets)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Apply(overrides); err != nil {
		return cfg, err
	}

	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := flags.GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	return cfg, nil
}
