// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/peace-protocol/pkg/peace"
)

// Error message templates for consistent error formatting
const (
	errRequired        = "%s is required"
	errNotPositive     = "%s must be positive, got %v"
	errInvalidSiteURL  = "invalid site_url: %w"
	errInvalidStore    = "invalid store: %w"
	errInvalidPassHash = "admin.password_hash is not a bcrypt hash: %w"
)

// Validate checks the config for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if c.SiteURL == "" {
		errs = append(errs, fmt.Errorf(errRequired, "site_url"))
	} else if err := peace.ValidateSiteURL(c.SiteURL); err != nil {
		errs = append(errs, fmt.Errorf(errInvalidSiteURL, err))
	}

	if c.ListenAddress == "" {
		errs = append(errs, fmt.Errorf(errRequired, "listen_address"))
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf(errInvalidStore, err))
	}

	if c.Admin.Username != "" {
		if c.Admin.PasswordHash == "" {
			errs = append(errs, fmt.Errorf(errRequired, "admin.password_hash"))
		} else if _, err := bcrypt.Cost([]byte(c.Admin.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf(errInvalidPassHash, err))
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"ttl.code", c.TTL.Code},
		{"ttl.identity", c.TTL.Identity},
		{"ttl.pending", c.TTL.Pending},
		{"ttl.session", c.TTL.Session},
		{"peer.send_timeout", c.Peer.SendTimeout},
		{"peer.exchange_timeout", c.Peer.ExchangeTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf(errNotPositive, d.name, d.value))
		}
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf(errNotPositive, "rate_limit.requests_per_second", c.RateLimit.RequestsPerSecond))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf(errNotPositive, "rate_limit.burst", c.RateLimit.Burst))
	}

	return errors.Join(errs...)
}
