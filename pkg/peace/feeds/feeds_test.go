// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

func TestSubscribe_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(kv.NewMemoryStore(), nil)

	require.NoError(t, s.Subscribe(ctx, "https://b.example/"))
	require.NoError(t, s.Subscribe(ctx, "https://b.example"))
	require.NoError(t, s.Subscribe(ctx, "https://c.example"))

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "https://b.example", subs[0].SiteURL)
	assert.Equal(t, "https://c.example", subs[1].SiteURL)
}

func TestSubscribe_InvalidSite(t *testing.T) {
	t.Parallel()

	s := New(kv.NewMemoryStore(), nil)
	err := s.Subscribe(context.Background(), "not a url")
	assert.True(t, peaceerrors.IsInvalidArgument(err))
}
