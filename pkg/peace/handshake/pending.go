// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

// PendingKey is the store key holding pending handshakes.
const PendingKey = "peace_pending_handshakes"

// DefaultPendingTTL is how long a pending handshake waits for a login.
const DefaultPendingTTL = 15 * time.Minute

var (
	errPendingNotFound = errors.New("pending handshake not found")
	errPendingExpired  = errors.New("pending handshake expired")
)

// Pending is a browser handshake request parked while the visitor logs in.
type Pending struct {
	ID         string    `json:"id"`
	ReturnSite string    `json:"return_site"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PendingStore keeps pending handshakes keyed by correlation id.
type PendingStore struct {
	store kv.Store
	clock clock.PassiveClock
	ttl   time.Duration
}

// NewPendingStore creates a PendingStore.
func NewPendingStore(store kv.Store, clk clock.PassiveClock, ttl time.Duration) *PendingStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingStore{store: store, clock: clk, ttl: ttl}
}

// Save parks returnSite and state and returns the correlation id.
func (s *PendingStore) Save(ctx context.Context, returnSite, state string) (string, error) {
	now := s.clock.Now().UTC()
	p := Pending{
		ID:         uuid.NewString(),
		ReturnSite: returnSite,
		State:      state,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	err := kv.UpdateJSON(ctx, s.store, PendingKey, func(all *map[string]Pending) error {
		if *all == nil {
			*all = make(map[string]Pending)
		}
		(*all)[p.ID] = p
		return nil
	})
	if err != nil {
		return "", peaceerrors.NewPersistError("failed to store pending handshake", err)
	}
	return p.ID, nil
}

// Take removes and returns the pending handshake id refers to.
func (s *PendingStore) Take(ctx context.Context, id string) (Pending, error) {
	now := s.clock.Now()
	var (
		found Pending
		cause error
	)
	err := kv.UpdateJSON(ctx, s.store, PendingKey, func(all *map[string]Pending) error {
		cause = nil
		p, ok := (*all)[id]
		if !ok {
			cause = errPendingNotFound
			return cause
		}
		delete(*all, id)
		if now.After(p.ExpiresAt) {
			cause = errPendingExpired
			return nil
		}
		found = p
		return nil
	})
	if err != nil && !errors.Is(err, errPendingNotFound) {
		return Pending{}, peaceerrors.NewPersistError("failed to load pending handshake", err)
	}
	if cause != nil {
		return Pending{}, peaceerrors.NewInvalidArgumentError("the handshake request has expired, please start again", cause)
	}
	return found, nil
}

// Sweep deletes expired pending handshakes.
func (s *PendingStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var removed int
	err := kv.UpdateJSON(ctx, s.store, PendingKey, func(all *map[string]Pending) error {
		removed = 0
		for id, p := range *all {
			if now.After(p.ExpiresAt) {
				delete(*all, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, peaceerrors.NewPersistError("failed to sweep pending handshakes", err)
	}
	return removed, nil
}
