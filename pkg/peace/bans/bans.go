// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bans keeps the list of users barred from every protocol entry point.
package bans

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
)

// Key is the store key holding the ban list.
const Key = "peace_banned_users"

// Ban records why and when a user was banned.
type Ban struct {
	UserID   string    `json:"user_id"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
}

// List manages the banned users.
type List struct {
	store kv.Store
	clock clock.PassiveClock
}

// NewList creates a ban List.
func NewList(store kv.Store, clk clock.PassiveClock) *List {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &List{store: store, clock: clk}
}

// Ban adds or updates the ban of userID.
func (l *List) Ban(ctx context.Context, userID, reason string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return peaceerrors.NewMissingParameterError("user_id")
	}
	err := kv.UpdateJSON(ctx, l.store, Key, func(bans *map[string]Ban) error {
		if *bans == nil {
			*bans = make(map[string]Ban)
		}
		(*bans)[userID] = Ban{UserID: userID, Reason: reason, BannedAt: l.clock.Now().UTC()}
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to store ban", err)
	}
	logger.Infow("user banned", "user_id", userID, "reason", reason)
	return nil
}

// Unban removes the ban of userID. Unbanning a user that is not banned is a no-op.
func (l *List) Unban(ctx context.Context, userID string) error {
	err := kv.UpdateJSON(ctx, l.store, Key, func(bans *map[string]Ban) error {
		delete(*bans, userID)
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to remove ban", err)
	}
	logger.Infow("user unbanned", "user_id", userID)
	return nil
}

// List returns every ban ordered by user id.
func (l *List) List(ctx context.Context) ([]Ban, error) {
	bans, _, err := kv.GetJSON[map[string]Ban](ctx, l.store, Key)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load bans", err)
	}
	out := make([]Ban, 0, len(bans))
	for _, id := range slices.Sorted(maps.Keys(bans)) {
		out = append(out, bans[id])
	}
	return out, nil
}

// Check returns a BannedUser error when any of userIDs is banned. Empty ids
// are ignored.
func (l *List) Check(ctx context.Context, userIDs ...string) error {
	bans, _, err := kv.GetJSON[map[string]Ban](ctx, l.store, Key)
	if err != nil {
		return peaceerrors.NewPersistError("failed to load bans", err)
	}
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, banned := bans[id]; banned {
			return peaceerrors.NewBannedUserError("user is banned", nil)
		}
	}
	return nil
}
