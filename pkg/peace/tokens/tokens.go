// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens manages the ordered list of bearer tokens that authenticate
// this site. Only the token at index 0 is active.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/secret"
)

// Key is the store key holding the token list.
const Key = "peace_tokens"

var (
	// ErrLastToken is the cause when deleting the only remaining token.
	ErrLastToken = errors.New("cannot delete the last token")

	// ErrTokenNotFound is the cause when deleting an unknown token.
	ErrTokenNotFound = errors.New("token not found")
)

// Store is the TokenStore for the local site.
type Store struct {
	store   kv.Store
	siteURL string
	logger  *slog.Logger
}

// NewStore creates a token Store for siteURL.
func NewStore(store kv.Store, siteURL string) *Store {
	return &Store{
		store:   store,
		siteURL: peace.NormalizeSite(siteURL),
		logger:  logger.ForComponent("tokens"),
	}
}

// Init generates a first token when the list is empty.
func (s *Store) Init(ctx context.Context) error {
	var created bool
	err := kv.UpdateJSON(ctx, s.store, Key, func(list *[]string) error {
		created = false
		if len(*list) > 0 {
			return nil
		}
		token, err := secret.Generate()
		if err != nil {
			return err
		}
		*list = []string{token}
		created = true
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to initialize tokens", err)
	}
	if created {
		s.logger.Info("generated initial token")
	}
	return nil
}

// List returns every token in order; index 0 is active.
func (s *Store) List(ctx context.Context) ([]string, error) {
	list, _, err := kv.GetJSON[[]string](ctx, s.store, Key)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load tokens", err)
	}
	return list, nil
}

// Active returns the token at index 0.
func (s *Store) Active(ctx context.Context) (string, error) {
	list, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", peaceerrors.NewInternalError("no token configured", nil)
	}
	return list[0], nil
}

// Rotate moves the active token to the end of the list, activating the next
// one. It is a no-op with fewer than two tokens.
func (s *Store) Rotate(ctx context.Context) error {
	err := kv.UpdateJSON(ctx, s.store, Key, func(list *[]string) error {
		if len(*list) <= 1 {
			return nil
		}
		*list = append(slices.Clone((*list)[1:]), (*list)[0])
		return nil
	})
	if err != nil {
		return peaceerrors.NewPersistError("failed to rotate tokens", err)
	}
	s.logger.Debug("rotated tokens")
	return nil
}

// Generate appends a new random token and returns it.
func (s *Store) Generate(ctx context.Context) (string, error) {
	token, err := secret.Generate()
	if err != nil {
		return "", peaceerrors.NewInternalError("failed to generate token", err)
	}
	err = kv.UpdateJSON(ctx, s.store, Key, func(list *[]string) error {
		*list = append(*list, token)
		return nil
	})
	if err != nil {
		return "", peaceerrors.NewPersistError("failed to store token", err)
	}
	s.logger.Info("generated token")
	return token, nil
}

// Delete removes token. The last remaining token cannot be deleted.
func (s *Store) Delete(ctx context.Context, token string) error {
	err := kv.UpdateJSON(ctx, s.store, Key, func(list *[]string) error {
		idx := slices.Index(*list, token)
		if idx < 0 {
			return ErrTokenNotFound
		}
		if len(*list) <= 1 {
			return ErrLastToken
		}
		*list = slices.Delete(*list, idx, idx+1)
		return nil
	})
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return peaceerrors.NewInvalidArgumentError("token not found", err)
	case errors.Is(err, ErrLastToken):
		return peaceerrors.NewInvalidArgumentError("cannot delete the last token", err)
	case err != nil:
		return peaceerrors.NewPersistError("failed to delete token", err)
	}
	s.logger.Info("deleted token")
	return nil
}

// Validate returns the local identity when token is the active token. Any
// other token, including a non-active entry of the list, is rejected.
func (s *Store) Validate(ctx context.Context, token string) (peace.Identity, error) {
	if token == "" {
		return peace.Identity{}, peaceerrors.NewInvalidTokenError("invalid token", nil)
	}
	list, err := s.List(ctx)
	if err != nil {
		return peace.Identity{}, err
	}
	if len(list) == 0 || !secret.Equal(list[0], token) {
		return peace.Identity{}, peaceerrors.NewInvalidTokenError("invalid token", nil)
	}
	return peace.Identity{SiteURL: s.siteURL, Token: token}, nil
}

// SiteURL returns the local site URL.
func (s *Store) SiteURL() string {
	return s.siteURL
}
