// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newAuthRegistry(t *testing.T) (*AuthorizationRegistry, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(epoch)
	return NewAuthorizationRegistry(kv.NewMemoryStore(), WithClock(clk)), clk
}

func TestIssueRedeem_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newAuthRegistry(t)

	want := Authorization{SiteURL: "https://a.example", ReturnSite: "https://b.example"}
	code, err := reg.Issue(ctx, want)
	require.NoError(t, err)
	assert.Len(t, code, 32)

	got, err := reg.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRedeem_Twice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newAuthRegistry(t)

	code, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example"})
	require.NoError(t, err)

	_, err = reg.Redeem(ctx, code)
	require.NoError(t, err)

	_, err = reg.Redeem(ctx, code)
	require.Error(t, err)
	assert.True(t, peaceerrors.IsInvalidCode(err))
	assert.ErrorIs(t, err, ErrCodeUsed)

	// the used record was deleted by the failed touch
	_, err = reg.Redeem(ctx, code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedeemIf_RejectionKeepsCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newAuthRegistry(t)

	code, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example", ReturnSite: "https://b.example"})
	require.NoError(t, err)

	errWrongSite := errors.New("wrong site")
	onlyFor := func(site string) func(Authorization) error {
		return func(a Authorization) error {
			if a.ReturnSite != site {
				return errWrongSite
			}
			return nil
		}
	}

	_, err = reg.RedeemIf(ctx, code, onlyFor("https://evil.example"))
	assert.True(t, peaceerrors.IsInvalidCode(err))
	assert.ErrorIs(t, err, errWrongSite)

	got, err := reg.RedeemIf(ctx, code, onlyFor("https://b.example"))
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", got.ReturnSite)

	_, err = reg.RedeemIf(ctx, code, onlyFor("https://b.example"))
	assert.ErrorIs(t, err, ErrCodeUsed)
}

func TestRedeem_ExpiryBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"before expiry", 299 * time.Second, nil},
		{"exactly at expiry", 300 * time.Second, nil},
		{"one second late", 301 * time.Second, ErrCodeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg, clk := newAuthRegistry(t)

			code, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example"})
			require.NoError(t, err)

			clk.Step(tt.advance)
			_, err = reg.Redeem(ctx, code)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, peaceerrors.IsInvalidCode(err))
			assert.ErrorIs(t, err, tt.wantErr)

			n, err := reg.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "expired record must be removed")
		})
	}
}

func TestRedeem_Unknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newAuthRegistry(t)

	for _, code := range []string{"", "missing"} {
		_, err := reg.Redeem(ctx, code)
		assert.True(t, peaceerrors.IsInvalidCode(err), code)
		assert.ErrorIs(t, err, ErrCodeNotFound)
	}
}

func TestRedeem_ConcurrentExactlyOnce(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) kv.Store{
		"memory": func(*testing.T) kv.Store { return kv.NewMemoryStore() },
		"redis": func(t *testing.T) kv.Store {
			mr := miniredis.RunT(t)
			return kv.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			reg := NewAuthorizationRegistry(newStore(t))

			code, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example"})
			require.NoError(t, err)

			const attempts = 10
			var (
				wg        sync.WaitGroup
				successes atomic.Int32
			)
			for range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := reg.Redeem(ctx, code); err == nil {
						successes.Add(1)
					} else {
						assert.True(t, peaceerrors.IsInvalidCode(err), "unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), successes.Load())
		})
	}
}

func TestExchangeRegistry_DeletesOnRedeem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewExchangeRegistry(kv.NewMemoryStore())

	code, err := reg.Issue(ctx, Exchange{SiteURL: "https://a.example"})
	require.NoError(t, err)

	got, err := reg.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", got.SiteURL)

	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = reg.Redeem(ctx, code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestPeek(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, clk := newAuthRegistry(t)

	code, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example"})
	require.NoError(t, err)

	got, err := reg.Peek(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", got.SiteURL)

	// peeking does not consume and used codes still peek
	_, err = reg.Redeem(ctx, code)
	require.NoError(t, err)
	_, err = reg.Peek(ctx, code)
	require.NoError(t, err)

	clk.Step(DefaultTTL + time.Second)
	_, err = reg.Peek(ctx, code)
	assert.ErrorIs(t, err, ErrCodeExpired)

	_, err = reg.Peek(ctx, "missing")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, clk := newAuthRegistry(t)

	used, err := reg.Issue(ctx, Authorization{SiteURL: "https://a.example"})
	require.NoError(t, err)
	_, err = reg.Redeem(ctx, used)
	require.NoError(t, err)

	_, err = reg.Issue(ctx, Authorization{SiteURL: "https://old.example"})
	require.NoError(t, err)

	clk.Step(4 * time.Minute)
	fresh, err := reg.Issue(ctx, Authorization{SiteURL: "https://new.example"})
	require.NoError(t, err)

	clk.Step(2 * time.Minute)
	removed, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = reg.Redeem(ctx, fresh)
	assert.NoError(t, err)
}

func TestWithTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(epoch)
	reg := NewExchangeRegistry(kv.NewMemoryStore(), WithClock(clk), WithTTL(time.Minute))

	code, err := reg.Issue(ctx, Exchange{SiteURL: "https://a.example"})
	require.NoError(t, err)

	clk.Step(61 * time.Second)
	_, err = reg.Redeem(ctx, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}
