// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity stores the tokens this site received from other sites
// through completed handshakes. Several records per remote site may exist;
// expired records are removed when a validation touches them or on Sweep.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
)

// Key is the store key holding the federated identity records.
const Key = "peace_federated_identities"

// DefaultTTL is the lifetime of a stored identity.
const DefaultTTL = 24 * time.Hour

var errNoMatch = errors.New("no matching identity")

// Record is a token received from a remote site.
type Record struct {
	SiteURL   string    `json:"site_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store is the FederatedIdentityStore.
type Store struct {
	store  kv.Store
	clock  clock.PassiveClock
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithTTL sets the default lifetime of added identities.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore creates an identity Store.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		store:  store,
		clock:  clock.RealClock{},
		ttl:    DefaultTTL,
		logger: logger.ForComponent("identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends a record for site with expiry now+ttl. A zero ttl uses the
// store default. Existing records for the site are kept.
func (s *Store) Add(ctx context.Context, siteURL, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	rec := Record{
		SiteURL:   peace.NormalizeSite(siteURL),
		Token:     token,
		ExpiresAt: s.clock.Now().Add(ttl).UTC(),
	}
	err := kv.UpdateJSON(ctx, s.store, Key, func(records *[]Record) error {
		*records = append(*records, rec)
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to store federated identity", err)
	}
	s.logger.Info("stored federated identity", "site", rec.SiteURL, "expires_at", rec.ExpiresAt)
	return nil
}

// Validate looks token up across every site.
func (s *Store) Validate(ctx context.Context, token string) (peace.Identity, error) {
	return s.validate(ctx, token, func(Record) bool { return true })
}

// ValidateFor looks token up among the records of siteURL only.
func (s *Store) ValidateFor(ctx context.Context, token, siteURL string) (peace.Identity, error) {
	return s.validate(ctx, token, func(r Record) bool { return peace.SameSite(r.SiteURL, siteURL) })
}

func (s *Store) validate(ctx context.Context, token string, match func(Record) bool) (peace.Identity, error) {
	if token == "" {
		return peace.Identity{}, peaceerrors.NewInvalidTokenError("invalid token", nil)
	}

	now := s.clock.Now()
	var (
		found   Record
		expired bool
	)
	err := kv.UpdateJSON(ctx, s.store, Key, func(records *[]Record) error {
		expired = false
		idx := slices.IndexFunc(*records, func(r Record) bool {
			return r.Token == token && match(r)
		})
		if idx < 0 {
			return errNoMatch
		}
		found = (*records)[idx]
		if found.Expired(now) {
			expired = true
			*records = slices.Delete(*records, idx, idx+1)
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoMatch):
		return peace.Identity{}, peaceerrors.NewInvalidTokenError("invalid token", nil)
	case err != nil:
		return peace.Identity{}, peaceerrors.NewPersistError("failed to load federated identities", err)
	case expired:
		s.logger.Debug("removed expired federated identity", "site", found.SiteURL)
		return peace.Identity{}, peaceerrors.NewInvalidTokenError("invalid token", errors.New("identity expired"))
	}
	return peace.Identity{SiteURL: found.SiteURL, Token: found.Token}, nil
}

// SiteFor returns the site of the record Validate would match for token,
// expired or not, without modifying the store.
func (s *Store) SiteFor(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	records, err := s.List(ctx)
	if err != nil {
		return "", false, err
	}
	idx := slices.IndexFunc(records, func(r Record) bool { return r.Token == token })
	if idx < 0 {
		return "", false, nil
	}
	return records[idx].SiteURL, true, nil
}

// Lookup returns the most recently added unexpired identity for siteURL.
func (s *Store) Lookup(ctx context.Context, siteURL string) (peace.Identity, bool, error) {
	records, err := s.List(ctx)
	if err != nil {
		return peace.Identity{}, false, err
	}
	now := s.clock.Now()
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if peace.SameSite(r.SiteURL, siteURL) && !r.Expired(now) {
			return peace.Identity{SiteURL: r.SiteURL, Token: r.Token}, true, nil
		}
	}
	return peace.Identity{}, false, nil
}

// List returns every stored record, expired ones included.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	records, _, err := kv.GetJSON[[]Record](ctx, s.store, Key)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load federated identities", err)
	}
	return records, nil
}

// Sweep deletes every expired record and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var removed int
	err := kv.UpdateJSON(ctx, s.store, Key, func(records *[]Record) error {
		before := len(*records)
		*records = slices.DeleteFunc(*records, func(r Record) bool { return r.Expired(now) })
		removed = before - len(*records)
		return nil
	})
	if err != nil {
		return 0, peaceerrors.NewPersistError("failed to sweep federated identities", err)
	}
	return removed, nil
}
