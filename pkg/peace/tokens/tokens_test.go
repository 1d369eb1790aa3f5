// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/kv/mocks"
)

const site = "https://a.example"

func newStore(t *testing.T, initial ...string) *Store {
	t.Helper()
	mem := kv.NewMemoryStore()
	if len(initial) > 0 {
		require.NoError(t, kv.SetJSON(context.Background(), mem, Key, initial))
	}
	return NewStore(mem, site)
}

func TestInit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t)
	require.NoError(t, s.Init(ctx))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0], 32)

	// second init keeps the existing token
	require.NoError(t, s.Init(ctx))
	again, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, list, again)
}

func TestRotate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		initial []string
		want    []string
	}{
		{"single token unchanged", []string{"a"}, []string{"a"}},
		{"two tokens swap", []string{"a", "b"}, []string{"b", "a"}},
		{"head moves to tail", []string{"a", "b", "c"}, []string{"b", "c", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t, tt.initial...)
			require.NoError(t, s.Rotate(ctx))
			got, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_OnlyActiveTokenAcrossRotations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tokens := []string{"tok-0", "tok-1", "tok-2", "tok-3"}
	s := newStore(t, tokens...)

	for round := range 2 * len(tokens) {
		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, len(tokens), "rotation must not change the length")

		for i, tok := range list {
			id, err := s.Validate(ctx, tok)
			if i == 0 {
				require.NoError(t, err, "round %d", round)
				assert.Equal(t, site, id.SiteURL)
				assert.Equal(t, tok, id.Token)
			} else {
				assert.True(t, peaceerrors.IsInvalidToken(err), "round %d index %d", round, i)
			}
		}
		require.NoError(t, s.Rotate(ctx))
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, "active")
	for _, tok := range []string{"", "unknown", "activ", "active "} {
		_, err := s.Validate(ctx, tok)
		assert.True(t, peaceerrors.IsInvalidToken(err), "token %q", tok)
	}

	empty := newStore(t)
	_, err := empty.Validate(ctx, "active")
	assert.True(t, peaceerrors.IsInvalidToken(err))
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, "a")
	tok, err := s.Generate(ctx)
	require.NoError(t, err)
	assert.Len(t, tok, 32)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", tok}, list)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", active)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, "a", "b", "c")
	require.NoError(t, s.Delete(ctx, "b"))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, list)

	err = s.Delete(ctx, "zzz")
	assert.True(t, peaceerrors.IsInvalidArgument(err))
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDelete_LastTokenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, "a", "b")
	require.NoError(t, s.Delete(ctx, "a"))

	err := s.Delete(ctx, "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLastToken)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, list)
}

func TestPersistErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	mockStore := mocks.NewMockStore(ctrl)
	boom := errors.New("store down")
	mockStore.EXPECT().Get(gomock.Any(), Key).Return(nil, boom).AnyTimes()
	mockStore.EXPECT().Update(gomock.Any(), Key, gomock.Any()).Return(boom).AnyTimes()

	s := NewStore(mockStore, site)

	_, err := s.Validate(ctx, "tok")
	assert.True(t, peaceerrors.IsPersistError(err))

	assert.True(t, peaceerrors.IsPersistError(s.Rotate(ctx)))
	assert.True(t, peaceerrors.IsPersistError(s.Init(ctx)))

	_, err = s.Generate(ctx)
	assert.True(t, peaceerrors.IsPersistError(err))
	assert.ErrorIs(t, err, boom)
}
