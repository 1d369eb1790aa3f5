// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package peace holds the types and wire constants shared by the federation
// handshake components.
package peace

import (
	"fmt"
	"net/url"
	"strings"
)

// Identity is an authenticated (site, token) pair. It is produced by local
// token validation and by federated identity lookups.
type Identity struct {
	SiteURL string `json:"site_url"`
	Token   string `json:"token"`
}

// REST route layout. Every route is served under both prefixes.
const (
	RESTNamespace = "/peace-protocol/v1"
	WPJSONPrefix  = "/wp-json"
	AjaxPath      = "/wp-admin/admin-ajax.php"

	ReceiveRoute               = "/receive"
	FederatedAuthRoute         = "/federated-auth"
	FederatedExchangeRoute     = "/federated-exchange"
	SendPeaceRoute             = "/send-peace"
	ValidateAuthorizationRoute = "/validate-authorization"
)

// MaxPeerResponseSize caps how much of a peer's response body is read. Every
// protocol answer is a small JSON object.
const MaxPeerResponseSize = 64 << 10

// Form transport actions.
const (
	ActionReceivePeace      = "peace_protocol_receive_peace"
	ActionFederatedAuth     = "peace_protocol_federated_auth"
	ActionFederatedExchange = "peace_protocol_federated_exchange"
	ActionSendPeace         = "peace_protocol_send_peace"
	ActionGenerateCode      = "peace_protocol_generate_code"
)

// Browser redirect query parameters.
const (
	ParamGetToken          = "peace_get_token"
	ParamReturnSite        = "return_site"
	ParamState             = "state"
	ParamAuthorizationCode = "peace_authorization_code"
	ParamFederatedSite     = "peace_federated_site"
	ParamFederatedState    = "peace_federated_state"
)

// HandshakeParams lists the query parameters stripped from a callback URL.
var HandshakeParams = []string{ParamAuthorizationCode, ParamFederatedSite, ParamFederatedState}

// NormalizeSite trims whitespace and trailing slashes so that
// "https://a.example/" and "https://a.example" compare equal.
func NormalizeSite(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// SameSite reports whether two site URLs refer to the same site.
func SameSite(a, b string) bool {
	return strings.EqualFold(NormalizeSite(a), NormalizeSite(b))
}

// ValidateSiteURL checks that raw is an absolute http(s) URL with a host.
func ValidateSiteURL(raw string) error {
	u, err := url.Parse(NormalizeSite(raw))
	if err != nil {
		return fmt.Errorf("invalid site URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("site URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("site URL %q has no host", raw)
	}
	return nil
}

// Endpoint joins a site URL and a path.
func Endpoint(site, path string) string {
	return NormalizeSite(site) + path
}

// RESTEndpoint returns the URL of a REST route on site, using the /wp-json
// prefix every implementation serves.
func RESTEndpoint(site, route string) string {
	return Endpoint(site, WPJSONPrefix+RESTNamespace+route)
}
