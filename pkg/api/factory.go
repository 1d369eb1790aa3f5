// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"

	"k8s.io/utils/clock"

	v1 "github.com/stacklok/peace-protocol/pkg/api/v1"
	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/networking"
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/codes"
	"github.com/stacklok/peace-protocol/pkg/peace/feeds"
	"github.com/stacklok/peace-protocol/pkg/peace/handshake"
	"github.com/stacklok/peace-protocol/pkg/peace/identity"
	"github.com/stacklok/peace-protocol/pkg/peace/peacelog"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
	"github.com/stacklok/peace-protocol/pkg/peace/tokens"
	"github.com/stacklok/peace-protocol/pkg/peace/transmit"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

type factory struct {
	metrics *telemetry.Metrics
	client  networking.HTTPClient
	clock   clock.PassiveClock
}

// Option configures NewServices.
type Option func(*factory) error

// WithMetrics records protocol metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *factory) error {
		f.metrics = m
		return nil
	}
}

// WithHTTPClient sets the client used for peer calls.
func WithHTTPClient(c networking.HTTPClient) Option {
	return func(f *factory) error {
		f.client = c
		return nil
	}
}

// WithClock sets the clock used for every expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(f *factory) error {
		f.clock = c
		return nil
	}
}

// NewServices wires the protocol components for cfg on store and makes sure
// the site has an active token.
func NewServices(ctx context.Context, cfg *config.Config, store kv.Store, opts ...Option) (*v1.Services, error) {
	f := &factory{clock: clock.RealClock{}}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.client == nil {
		client, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.Peer.ExchangeTimeout).
			WithPrivateIPs(cfg.Peer.AllowPrivateIPs).
			WithInsecureAllowHTTP(cfg.Peer.AllowInsecureHTTP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build peer HTTP client: %w", err)
		}
		f.client = client
	}

	site := cfg.SiteURL
	tokenStore := tokens.NewStore(store, site)
	if err := tokenStore.Init(ctx); err != nil {
		return nil, err
	}

	identities := identity.NewStore(store, identity.WithClock(f.clock), identity.WithTTL(cfg.TTL.Identity))
	sessions := session.NewManager(store,
		session.WithClock(f.clock),
		session.WithTTL(cfg.TTL.Session),
		session.WithAdmin(cfg.Admin.Username, cfg.Admin.PasswordHash),
	)
	banList := bans.NewList(store, f.clock)
	log := peacelog.New(store, f.clock)
	subs := feeds.New(store, f.clock)
	codeOpts := []codes.Option{
		codes.WithTTL(cfg.TTL.Code),
		codes.WithClock(f.clock),
		codes.WithMetrics(f.metrics),
	}

	orchestrator := handshake.NewOrchestrator(handshake.Config{
		SiteURL:        site,
		IdentityTTL:    cfg.TTL.Identity,
		Tokens:         tokenStore,
		Identities:     identities,
		Authorizations: codes.NewAuthorizationRegistry(store, codeOpts...),
		Exchanges:      codes.NewExchangeRegistry(store, codeOpts...),
		Pending:        handshake.NewPendingStore(store, f.clock, cfg.TTL.Pending),
		Bans:           banList,
		Sessions:       sessions,
		Feeds:          subs,
		Log:            log,
		Peer:           handshake.NewPeerClient(f.client, cfg.Peer.ExchangeTimeout),
		Transmitter: transmit.NewTransmitter(f.client,
			transmit.WithTimeout(cfg.Peer.SendTimeout),
			transmit.WithMetrics(f.metrics),
		),
		Metrics: f.metrics,
	})

	return &v1.Services{
		SiteURL:      site,
		Orchestrator: orchestrator,
		Receiver: transmit.NewReceiver(transmit.ReceiverConfig{
			SiteURL:    site,
			Tokens:     tokenStore,
			Identities: identities,
			Bans:       banList,
			Users:      sessions,
			Log:        log,
			Metrics:    f.metrics,
		}),
		Sessions:   sessions,
		Tokens:     tokenStore,
		Identities: identities,
		Log:        log,
		Bans:       banList,
		Feeds:      subs,
	}, nil
}
