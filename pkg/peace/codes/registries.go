// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codes

import "github.com/stacklok/peace-protocol/pkg/kv"

// Registry kinds, used as the metrics and log label.
const (
	KindAuthorization = "authorization"
	KindExchange      = "exchange"
)

// Authorization is the payload of an authorization code: the issuing site and
// the site the visitor is sent back to.
type Authorization struct {
	SiteURL    string `json:"site_url"`
	ReturnSite string `json:"return_site"`
}

// Exchange is the payload of an exchange code.
type Exchange struct {
	SiteURL string `json:"site_url"`
}

// AuthorizationRegistry holds authorization codes. Redeemed codes are marked
// used and remain until swept.
type AuthorizationRegistry = Registry[Authorization]

// ExchangeRegistry holds exchange codes. Redeemed codes are deleted.
type ExchangeRegistry = Registry[Exchange]

// NewAuthorizationRegistry creates the authorization code registry.
func NewAuthorizationRegistry(store kv.Store, opts ...Option) *AuthorizationRegistry {
	return NewRegistry[Authorization](store, AuthorizationKey, KindAuthorization, MarkUsed, opts...)
}

// NewExchangeRegistry creates the exchange code registry.
func NewExchangeRegistry(store kv.Store, opts ...Option) *ExchangeRegistry {
	return NewRegistry[Exchange](store, ExchangeKey, KindExchange, DeleteOnRedeem, opts...)
}
