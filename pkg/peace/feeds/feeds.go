// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package feeds records the sites this site follows. A successful
// authorization subscribes to the returning site's feed.
package feeds

import (
	"context"
	"slices"
	"time"

	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/peace"
)

// Key is the store key holding the subscriptions.
const Key = "peace_feeds"

// Subscription is a followed site.
type Subscription struct {
	SiteURL      string    `json:"site_url"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Subscriptions manages the followed sites.
type Subscriptions struct {
	store kv.Store
	clock clock.PassiveClock
}

// New creates a Subscriptions manager.
func New(store kv.Store, clk clock.PassiveClock) *Subscriptions {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Subscriptions{store: store, clock: clk}
}

// Subscribe follows siteURL. Subscribing twice is a no-op.
func (s *Subscriptions) Subscribe(ctx context.Context, siteURL string) error {
	siteURL = peace.NormalizeSite(siteURL)
	if err := peace.ValidateSiteURL(siteURL); err != nil {
		return peaceerrors.NewInvalidArgumentError("invalid feed site", err)
	}
	err := kv.UpdateJSON(ctx, s.store, Key, func(subs *[]Subscription) error {
		if slices.ContainsFunc(*subs, func(sub Subscription) bool { return peace.SameSite(sub.SiteURL, siteURL) }) {
			return nil
		}
		*subs = append(*subs, Subscription{SiteURL: siteURL, SubscribedAt: s.clock.Now().UTC()})
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to store feed subscription", err)
	}
	return nil
}

// List returns the subscriptions in subscription order.
func (s *Subscriptions) List(ctx context.Context) ([]Subscription, error) {
	subs, _, err := kv.GetJSON[[]Subscription](ctx, s.store, Key)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load feed subscriptions", err)
	}
	return subs, nil
}
