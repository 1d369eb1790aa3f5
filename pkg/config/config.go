// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the peaced configuration
// structure and the logic required to load and validate it.
package config

import (
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/adrg/xdg"

	"github.com/stacklok/peace-protocol/pkg/kv"
)

// Default values applied to fields left empty in the config file.
const (
	DefaultListenAddress   = ":8080"
	DefaultCodeTTL         = 5 * time.Minute
	DefaultIdentityTTL     = 24 * time.Hour
	DefaultPendingTTL      = 15 * time.Minute
	DefaultSessionTTL      = 24 * time.Hour
	DefaultSendTimeout     = 2 * time.Second
	DefaultExchangeTimeout = 30 * time.Second
	DefaultRateLimit       = 10.0
	DefaultRateBurst       = 20
	DefaultSweepInterval   = time.Hour
)

// Config represents the configuration of the daemon.
type Config struct {
	// SiteURL is the public base URL of this site, e.g. https://a.example.
	SiteURL       string          `yaml:"site_url"`
	ListenAddress string          `yaml:"listen_address"`
	Store         kv.Config       `yaml:"store"`
	Admin         AdminConfig     `yaml:"admin"`
	TTL           TTLConfig       `yaml:"ttl"`
	Peer          PeerConfig      `yaml:"peer"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Metrics       MetricsConfig   `yaml:"metrics"`

	// SweepInterval is the minimum time between sweeps triggered by requests.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AdminConfig holds the credentials of the local administrator.
type AdminConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash, as printed by "peaced hash-password".
	PasswordHash string `yaml:"password_hash"`
}

// TTLConfig contains the lifetimes of the protocol records.
type TTLConfig struct {
	Code     time.Duration `yaml:"code"`
	Identity time.Duration `yaml:"identity"`
	Pending  time.Duration `yaml:"pending"`
	Session  time.Duration `yaml:"session"`
}

// PeerConfig controls outbound calls to other sites.
type PeerConfig struct {
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	// AllowPrivateIPs permits peers on loopback and private networks.
	AllowPrivateIPs bool `yaml:"allow_private_ips"`
	// AllowInsecureHTTP permits plain http peer URLs.
	AllowInsecureHTTP bool `yaml:"allow_insecure_http"`
}

// RateLimitConfig configures the per-client request limiter of the public
// endpoints. A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig toggles the Prometheus endpoint and the optional OTLP push.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Empty disables push.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	OTLPInsecure bool   `yaml:"otlp_insecure,omitempty"`
}

// NewDefaultConfig returns a config with every default applied.
func NewDefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Store.Type == "" {
		c.Store.Type = kv.TypeMemory
	}
	if c.Store.Path == "" {
		switch c.Store.Type {
		case kv.TypeFile:
			c.Store.Path = defaultDataPath("store.yaml")
		case kv.TypeSQLite:
			c.Store.Path = defaultDataPath("peace.db")
		}
	}
	// Only zero fields are filled; configured values are preserved.
	_ = mergo.Merge(&c.TTL, &TTLConfig{
		Code:     DefaultCodeTTL,
		Identity: DefaultIdentityTTL,
		Pending:  DefaultPendingTTL,
		Session:  DefaultSessionTTL,
	})
	_ = mergo.Merge(&c.Peer, &PeerConfig{
		SendTimeout:     DefaultSendTimeout,
		ExchangeTimeout: DefaultExchangeTimeout,
	})
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RateLimit.RequestsPerSecond == 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimit
		c.RateLimit.Burst = DefaultRateBurst
	}
}

// defaultDataPath places name in the peaced directory under the XDG data home.
func defaultDataPath(name string) string {
	return filepath.Join(xdg.DataHome, "peaced", name)
}
