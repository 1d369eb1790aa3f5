// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
)

// Backend types accepted in Config.Type.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeRedis  = "redis"
	TypeSQLite = "sqlite"
)

// Config selects and configures a Store backend.
type Config struct {
	// Type is one of memory, file, redis or sqlite. Empty means memory.
	Type string `yaml:"type"`

	// Path is the database or document path for the file and sqlite backends.
	Path string `yaml:"path,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// Validate checks that the fields required by the selected backend are set.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeFile, TypeSQLite:
		if c.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Type)
		}
		return nil
	case TypeRedis:
		if c.Redis == nil || len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("store.redis.addrs is required for the redis backend")
		}
		return nil
	default:
		return fmt.Errorf("unsupported store type %q", c.Type)
	}
}

// New creates the Store described by cfg.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeFile:
		s, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRedis:
		s, err := NewRedisStore(ctx, *cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeSQLite:
		s, err := NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return NewMemoryStore(), nil
	}
}
