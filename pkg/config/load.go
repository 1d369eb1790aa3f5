// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/peace-protocol/pkg/peace"
)

// Viper keys bound to command line flags and PEACE_* environment variables.
const (
	KeyConfig  = "config"
	KeyDebug   = "debug"
	KeySiteURL = "site-url"
	KeyListen  = "listen"
	KeyStore   = "store"
)

// configRelPath is looked up in the XDG config directories when no config
// file is named.
const configRelPath = "peaced/config.yaml"

// DefaultConfigPath returns the first existing peaced/config.yaml in the XDG
// config directories, or "" when there is none.
func DefaultConfigPath() string {
	path, err := xdg.SearchConfigFile(configRelPath)
	if err != nil {
		return ""
	}
	return path
}

// Load reads the config file at path, applies defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		cleanPath := filepath.Clean(path)
		// #nosec G304: path is provided by the operator
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.SiteURL = peace.NormalizeSite(cfg.SiteURL)
	return cfg, nil
}

// LoadWithViper loads the file named by the viper "config" key, falling back
// to DefaultConfigPath, lets flags and environment variables override it, then
// validates.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	path := v.GetString(KeyConfig)
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides copies explicitly set viper values onto the config.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if s := v.GetString(KeySiteURL); s != "" {
		c.SiteURL = peace.NormalizeSite(s)
	}
	if s := v.GetString(KeyListen); s != "" {
		c.ListenAddress = s
	}
	if s := v.GetString(KeyStore); s != "" && s != c.Store.Type {
		c.Store.Type = s
		c.Store.Path = ""
		c.applyDefaults()
	}
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
