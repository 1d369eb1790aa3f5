// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package codes implements the short-lived single-use code registries of the
// handshake. One generic Registry backs both the authorization codes and the
// exchange codes; they differ only in payload and in what redemption does to
// the record.
package codes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace/secret"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

// Store keys of the two registries.
const (
	AuthorizationKey = "peace_authorization_codes"
	ExchangeKey      = "peace_exchange_codes"
)

// DefaultTTL is the lifetime of an issued code.
const DefaultTTL = 5 * time.Minute

// Redemption failure causes. They are wrapped in an InvalidCode error so peers
// only ever see invalid_code.
var (
	ErrCodeNotFound = errors.New("code not found")
	ErrCodeExpired  = errors.New("code expired")
	ErrCodeUsed     = errors.New("code already used")
)

// Mode selects what a successful redemption does to the record.
type Mode int

const (
	// MarkUsed flips the used flag; the record stays until swept.
	MarkUsed Mode = iota
	// DeleteOnRedeem removes the record.
	DeleteOnRedeem
)

// Entry is the persisted form of a code.
type Entry[P any] struct {
	Payload   P         `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry[P]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Registry is a OneTimeCodeRegistry holding payloads of type P.
type Registry[P any] struct {
	store   kv.Store
	key     string
	kind    string
	mode    Mode
	ttl     time.Duration
	clock   clock.PassiveClock
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a registry.
type Option func(*options)

type options struct {
	ttl     time.Duration
	clock   clock.PassiveClock
	metrics *telemetry.Metrics
}

// WithTTL sets the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics records issue and redeem counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// NewRegistry creates a registry persisted under key.
func NewRegistry[P any](store kv.Store, key, kind string, mode Mode, opts ...Option) *Registry[P] {
	o := &options{ttl: DefaultTTL, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}
	return &Registry[P]{
		store:   store,
		key:     key,
		kind:    kind,
		mode:    mode,
		ttl:     o.ttl,
		clock:   o.clock,
		metrics: o.metrics,
		logger:  logger.ForComponent("codes").With("kind", kind),
	}
}

// Issue stores payload under a new random code and returns the code.
func (r *Registry[P]) Issue(ctx context.Context, payload P) (string, error) {
	code, err := secret.Generate()
	if err != nil {
		return "", peaceerrors.NewInternalError("failed to generate code", err)
	}
	entry := Entry[P]{
		Payload:   payload,
		ExpiresAt: r.clock.Now().Add(r.ttl).UTC(),
	}
	err = kv.UpdateJSON(ctx, r.store, r.key, func(entries *map[string]Entry[P]) error {
		if *entries == nil {
			*entries = make(map[string]Entry[P])
		}
		(*entries)[code] = entry
		return nil
	})
	if err != nil {
		return "", peaceerrors.NewPersistError("failed to store code", err)
	}
	r.metrics.RecordCodeIssued(ctx, r.kind)
	r.logger.Debug("issued code", "expires_at", entry.ExpiresAt)
	return code, nil
}

// Redeem consumes code and returns its payload. The read, the checks and the
// write happen in one atomic update, so of two concurrent redemptions of the
// same code exactly one succeeds. An expired or already used record is
// deleted and reported as an InvalidCode error.
func (r *Registry[P]) Redeem(ctx context.Context, code string) (P, error) {
	return r.RedeemIf(ctx, code, nil)
}

// RedeemIf is Redeem with an extra check on the payload of a live record,
// run inside the same atomic update. When accept returns an error the record
// is left unconsumed and the error becomes the InvalidCode cause.
func (r *Registry[P]) RedeemIf(ctx context.Context, code string, accept func(P) error) (P, error) {
	var zero P
	if code == "" {
		return zero, peaceerrors.NewInvalidCodeError("invalid code", ErrCodeNotFound)
	}

	now := r.clock.Now()
	var (
		payload P
		cause   error
	)
	err := kv.UpdateJSON(ctx, r.store, r.key, func(entries *map[string]Entry[P]) error {
		cause = nil
		entry, ok := (*entries)[code]
		switch {
		case !ok:
			cause = ErrCodeNotFound
			return cause
		case entry.Expired(now):
			cause = ErrCodeExpired
			delete(*entries, code)
			return nil
		case entry.Used:
			cause = ErrCodeUsed
			delete(*entries, code)
			return nil
		}
		if accept != nil {
			if cause = accept(entry.Payload); cause != nil {
				return nil
			}
		}

		payload = entry.Payload
		if r.mode == DeleteOnRedeem {
			delete(*entries, code)
		} else {
			entry.Used = true
			(*entries)[code] = entry
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrCodeNotFound) {
		return zero, peaceerrors.NewPersistError("failed to redeem code", err)
	}
	if cause != nil {
		r.metrics.RecordCodeRedeemed(ctx, r.kind, telemetry.ResultFailure)
		r.logger.Debug("code redemption rejected", "reason", cause.Error())
		return zero, peaceerrors.NewInvalidCodeError("invalid code", cause)
	}
	r.metrics.RecordCodeRedeemed(ctx, r.kind, telemetry.ResultSuccess)
	return payload, nil
}

// Peek returns the payload of a present, unexpired code without consuming
// it. Used codes are accepted.
func (r *Registry[P]) Peek(ctx context.Context, code string) (P, error) {
	var zero P
	entries, _, err := kv.GetJSON[map[string]Entry[P]](ctx, r.store, r.key)
	if err != nil {
		return zero, peaceerrors.NewPersistError("failed to load codes", err)
	}
	entry, ok := entries[code]
	if !ok || code == "" {
		return zero, peaceerrors.NewInvalidCodeError("invalid code", ErrCodeNotFound)
	}
	if entry.Expired(r.clock.Now()) {
		return zero, peaceerrors.NewInvalidCodeError("invalid code", ErrCodeExpired)
	}
	return entry.Payload, nil
}

// Sweep deletes every used or expired record and returns the count.
func (r *Registry[P]) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	var removed int
	err := kv.UpdateJSON(ctx, r.store, r.key, func(entries *map[string]Entry[P]) error {
		removed = 0
		for code, entry := range *entries {
			if entry.Used || entry.Expired(now) {
				delete(*entries, code)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, peaceerrors.NewPersistError("failed to sweep codes", err)
	}
	if removed > 0 {
		r.logger.Debug("swept codes", "removed", removed)
	}
	return removed, nil
}

// Len returns the number of stored records.
func (r *Registry[P]) Len(ctx context.Context) (int, error) {
	entries, _, err := kv.GetJSON[map[string]Entry[P]](ctx, r.store, r.key)
	if err != nil {
		return 0, peaceerrors.NewPersistError("failed to load codes", err)
	}
	return len(entries), nil
}
