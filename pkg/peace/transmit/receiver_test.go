// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transmit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/identity"
	"github.com/stacklok/peace-protocol/pkg/peace/peacelog"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
	"github.com/stacklok/peace-protocol/pkg/peace/tokens"
)

const targetSite = "https://target.example"

type receiverFixture struct {
	receiver   *Receiver
	store      kv.Store
	clock      *clocktesting.FakeClock
	identities *identity.Store
	log        *peacelog.Log
	bans       *bans.List
	sessions   *session.Manager
}

func newReceiverFixture(t *testing.T, localToken string) *receiverFixture {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemoryStore()
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, kv.SetJSON(ctx, store, tokens.Key, []string{localToken, "older"}))

	f := &receiverFixture{
		store:      store,
		clock:      clk,
		identities: identity.NewStore(store, identity.WithClock(clk)),
		log:        peacelog.New(store, clk),
		bans:       bans.NewList(store, clk),
		sessions:   session.NewManager(store, session.WithClock(clk)),
	}
	f.receiver = NewReceiver(ReceiverConfig{
		SiteURL:    targetSite,
		Tokens:     tokens.NewStore(store, targetSite),
		Identities: f.identities,
		Bans:       f.bans,
		Users:      f.sessions,
		Log:        f.log,
	})
	return f
}

func TestReceive_LocalToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newReceiverFixture(t, "tok-T")

	receipt, err := f.receiver.Receive(ctx, "", "tok-T", "hi")
	require.NoError(t, err)
	assert.Equal(t, Receipt{LogID: 1, FromSite: targetSite}, receipt)

	receipt, err = f.receiver.Receive(ctx, targetSite+"/", "tok-T", "again")
	require.NoError(t, err)
	assert.Equal(t, int64(2), receipt.LogID)

	_, err = f.receiver.Receive(ctx, "", "older", "rotated away")
	assert.True(t, peaceerrors.IsInvalidToken(err))
}

func TestReceive_FederatedIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newReceiverFixture(t, "tok-T")

	// Issued to b.example through a completed handshake.
	require.NoError(t, f.identities.Add(ctx, "https://b.example", "t2", 0))
	require.NoError(t, f.identities.Add(ctx, "https://c.example", "t3", 0))

	tests := []struct {
		name     string
		fromSite string
		token    string
		wantErr  bool
	}{
		{name: "matching site and token", fromSite: "https://b.example", token: "t2"},
		{name: "site resolved from token", fromSite: "", token: "t2"},
		{name: "token of another site", fromSite: "https://b.example", token: "t3", wantErr: true},
		{name: "unknown token", fromSite: "https://b.example", token: "nope", wantErr: true},
		{name: "local token claimed by remote site", fromSite: "https://b.example", token: "tok-T", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := f.receiver.Receive(ctx, tt.fromSite, tt.token, "hi")
			if tt.wantErr {
				assert.True(t, peaceerrors.IsInvalidToken(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://b.example", receipt.FromSite)
		})
	}

	entries, err := f.log.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReceive_ExpiredIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newReceiverFixture(t, "tok-T")

	require.NoError(t, f.identities.Add(ctx, "https://b.example", "t2", 0))
	f.clock.Step(24*time.Hour + time.Second)

	_, err := f.receiver.Receive(ctx, "https://b.example", "t2", "late")
	assert.True(t, peaceerrors.IsInvalidToken(err))

	entries, err := f.log.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceive_BannedBeforeMutation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fromSite string
	}{
		{name: "form delivery names the sender", fromSite: "https://b.example"},
		{name: "REST delivery resolves the sender from the token", fromSite: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newReceiverFixture(t, "tok-T")

			require.NoError(t, f.identities.Add(ctx, "https://b.example", "t2", 0))
			user, err := f.sessions.EnsureFederatedUser(ctx, "https://b.example")
			require.NoError(t, err)
			require.NoError(t, f.bans.Ban(ctx, user.ID, "spam"))

			// An expired record would be removed by validation; the ban check
			// must run first and leave it untouched.
			f.clock.Step(25 * time.Hour)
			before, err := f.identities.List(ctx)
			require.NoError(t, err)
			require.Len(t, before, 1)

			_, err = f.receiver.Receive(ctx, tt.fromSite, "t2", "hi")
			assert.True(t, peaceerrors.IsBannedUser(err), "got %v", err)

			after, err := f.identities.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after)

			entries, err := f.log.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestReceive_MissingToken(t *testing.T) {
	t.Parallel()
	f := newReceiverFixture(t, "tok-T")

	_, err := f.receiver.Receive(context.Background(), "https://b.example", "", "hi")
	assert.True(t, peaceerrors.IsMissingParameter(err))
}
