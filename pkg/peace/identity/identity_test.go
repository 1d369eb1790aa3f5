// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

func newTestStore(t *testing.T) (*Store, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(kv.NewMemoryStore(), WithClock(clk)), clk
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	require.NoError(t, s.Add(ctx, "https://a.example/", "t2", 0))

	clk.Step(24 * time.Hour)
	id, err := s.Validate(ctx, "t2")
	require.NoError(t, err, "valid exactly at expiry")
	assert.Equal(t, "https://a.example", id.SiteURL)
	assert.Equal(t, "t2", id.Token)

	clk.Step(time.Nanosecond)
	_, err = s.Validate(ctx, "t2")
	assert.True(t, peaceerrors.IsInvalidToken(err))

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "expired record removed on touch")
}

func TestValidate_Unknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Validate(ctx, "nope")
	assert.True(t, peaceerrors.IsInvalidToken(err))

	_, err = s.Validate(ctx, "")
	assert.True(t, peaceerrors.IsInvalidToken(err))
}

func TestValidateFor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Add(ctx, "https://a.example", "tok-a", 0))

	id, err := s.ValidateFor(ctx, "tok-a", "https://a.example/")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", id.SiteURL)

	_, err = s.ValidateFor(ctx, "tok-a", "https://b.example")
	assert.True(t, peaceerrors.IsInvalidToken(err))
}

func TestAdd_AccumulatesRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	require.NoError(t, s.Add(ctx, "https://a.example", "first", 0))
	clk.Step(time.Minute)
	require.NoError(t, s.Add(ctx, "https://a.example", "second", time.Hour))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, tok := range []string{"first", "second"} {
		_, err := s.Validate(ctx, tok)
		assert.NoError(t, err, tok)
	}

	id, ok, err := s.Lookup(ctx, "https://a.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", id.Token, "lookup prefers the newest record")

	// once the newer, shorter-lived record expires the older one is used
	clk.Step(2 * time.Hour)
	id, ok, err = s.Lookup(ctx, "https://a.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", id.Token)

	_, ok, err = s.Lookup(ctx, "https://unknown.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	require.NoError(t, s.Add(ctx, "https://a.example", "short", time.Minute))
	require.NoError(t, s.Add(ctx, "https://b.example", "long", time.Hour))

	clk.Step(2 * time.Minute)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "long", records[0].Token)
}

func TestSiteFor_ReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	require.NoError(t, s.Add(ctx, "https://b.example", "t2", 0))
	clk.Step(25 * time.Hour)

	site, ok, err := s.SiteFor(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://b.example", site)

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1, "expired record kept")

	_, ok, err = s.SiteFor(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
