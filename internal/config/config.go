// Package config loads the command-line configuration from a YAML file and
// applies key=value overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/autolua/store"
)

type Log struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type Config struct {
	Script          string            `yaml:"script" mapstructure:"script"`
	Watchdog        time.Duration     `yaml:"watchdog" mapstructure:"watchdog"`
	MaxThreads      int               `yaml:"max_threads" mapstructure:"max_threads"`
	TeardownTimeout time.Duration     `yaml:"teardown_timeout" mapstructure:"teardown_timeout"`
	Tick            time.Duration     `yaml:"tick" mapstructure:"tick"`
	Poll            time.Duration     `yaml:"poll" mapstructure:"poll"`
	Account         string            `yaml:"account" mapstructure:"account"`
	IncludePaths    []string          `yaml:"include_paths" mapstructure:"include_paths"`
	Defines         map[string]string `yaml:"defines" mapstructure:"defines"`
	Exports         map[string]string `yaml:"exports" mapstructure:"exports"`
	Store           store.Config      `yaml:"store" mapstructure:"store"`
	Log             Log               `yaml:"log" mapstructure:"log"`
	Listen          string            `yaml:"listen" mapstructure:"listen"`
}

func Default() Config {
	return Config{
		Watchdog:        time.Second,
		MaxThreads:      8,
		TeardownTimeout: 2 * time.Second,
		Tick:            16 * time.Millisecond,
		Poll:            time.Millisecond,
		Account:         "local",
		Store:           store.Config{Kind: store.KindMemory},
		Log:             Log{Level: "info", Format: "console"},
		Listen:          ":8080",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MaxThreads < 0 {
		return fmt.Errorf("max_threads must not be negative")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	if c.Poll <= 0 {
		return fmt.Errorf("poll must be positive")
	}
	return nil
}

// ParseSet turns key=value pairs into an override map. Dotted keys address
// nested sections, e.g. store.kind=redis.
func ParseSet(pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, want key=value", pair)
		}
		node := out
		parts := strings.Split(key, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out, nil
}

// Apply decodes overrides onto c. Values may be strings; they are converted
// to the field types.
func (c *Config) Apply(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(overrides); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return c.Validate()
}
