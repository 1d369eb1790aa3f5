// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "context"

// PrincipalContextKey is the key used to store the Principal in the request context.
type PrincipalContextKey struct{}

// WithPrincipal stores a Principal in the context.
// If principal is nil, the original context is returned unchanged.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, PrincipalContextKey{}, principal)
}

// PrincipalFromContext retrieves the Principal from the context.
// Returns the principal and true if present, nil and false otherwise.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(PrincipalContextKey{}).(*Principal)
	return principal, ok
}
