// Package store persists the opaque data blobs that scripts keep across
// engine lifetimes. Values are never inspected.
package store

import (
	"context"
	"fmt"
)

// Well-known keys.
const (
	GlobalKey        = "global"
	AccountKeyPrefix = "account:"
)

// AccountKey returns the per-account key for name.
func AccountKey(name string) string {
	return AccountKeyPrefix + name
}

// Store holds string blobs by key. Implementations are safe for concurrent
// use. Get returns "" for keys never set.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Kind selects a backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindRedis  Kind = "redis"
	KindSQLite Kind = "sqlite"
)

// Config describes a backend.
type Config struct {
	Kind     Kind   `yaml:"kind" mapstructure:"kind"`
	Path     string `yaml:"path" mapstructure:"path"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// Open builds the backend described by cfg. An empty kind selects memory.
func Open(cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemory(), nil
	case KindFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file store: path required")
		}
		return NewFile(cfg.Path)
	case KindRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis store: addr required")
		}
		var opts []RedisOption
		if cfg.Prefix != "" {
			opts = append(opts, WithPrefix(cfg.Prefix))
		}
		return NewRedis(cfg.Addr, cfg.Password, cfg.DB, opts...), nil
	case KindSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store: path required")
		}
		return OpenSQLite(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}
