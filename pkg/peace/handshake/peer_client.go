// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/networking"
	"github.com/stacklok/peace-protocol/pkg/peace"
)

// DefaultExchangeTimeout bounds each call to a peer's exchange endpoint.
const DefaultExchangeTimeout = 30 * time.Second

// ExchangeRequest is the REST body of a code exchange.
type ExchangeRequest struct {
	Code string `json:"code"`
	Site string `json:"site"`
}

// ExchangeResponse is the REST success body of a code exchange.
type ExchangeResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// ValidateAuthorizationRequest is the REST body of a code check.
type ValidateAuthorizationRequest struct {
	AuthorizationCode string `json:"authorization_code"`
}

// ValidateAuthorizationResponse is the REST success body of a code check.
type ValidateAuthorizationResponse struct {
	Valid   bool   `json:"valid"`
	SiteURL string `json:"site_url"`
}

type formExchangeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token   string `json:"token"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// PeerClient calls the server-to-server endpoints of other sites.
type PeerClient struct {
	client  networking.HTTPClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewPeerClient creates a PeerClient. A zero timeout uses DefaultExchangeTimeout.
func NewPeerClient(client networking.HTTPClient, timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	return &PeerClient{
		client:  client,
		timeout: timeout,
		logger:  logger.ForComponent("peer-client"),
	}
}

// Exchange redeems code at issuerSite on behalf of localSite and returns the
// minted token. The REST endpoint is tried first and the form endpoint once
// after it. A peer that answers invalid_code on REST is not asked again.
func (p *PeerClient) Exchange(ctx context.Context, issuerSite, code, localSite string) (string, error) {
	token, restErr := p.exchangeREST(ctx, issuerSite, code, localSite)
	if restErr == nil {
		return token, nil
	}
	if peaceerrors.IsInvalidCode(restErr) {
		return "", restErr
	}
	p.logger.Debug("REST exchange failed, falling back to form transport",
		"issuer", issuerSite, "error", restErr)

	token, formErr := p.exchangeForm(ctx, issuerSite, code, localSite)
	if formErr == nil {
		return token, nil
	}
	if peaceerrors.IsInvalidCode(formErr) {
		return "", formErr
	}
	return "", peaceerrors.NewUpstreamUnreachableError(
		fmt.Sprintf("could not exchange code with %s", peace.NormalizeSite(issuerSite)),
		errors.Join(restErr, formErr),
	)
}

func (p *PeerClient) exchangeREST(ctx context.Context, issuerSite, code, localSite string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := networking.PostJSON[ExchangeResponse](ctx, p.client,
		peace.RESTEndpoint(issuerSite, peace.FederatedExchangeRoute),
		ExchangeRequest{Code: code, Site: localSite},
		networking.WithMaxResponseSize(peace.MaxPeerResponseSize),
	)
	if err != nil {
		return "", peerError(err)
	}
	if !result.Data.Success || result.Data.Token == "" {
		return "", errors.New("exchange response carried no token")
	}
	return result.Data.Token, nil
}

func (p *PeerClient) exchangeForm(ctx context.Context, issuerSite, code, localSite string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{
		"action": {peace.ActionFederatedExchange},
		"code":   {code},
		"site":   {localSite},
	}
	result, err := networking.FetchJSONWithForm[formExchangeResponse](ctx, p.client,
		peace.Endpoint(issuerSite, peace.AjaxPath), form,
		networking.WithMaxResponseSize(peace.MaxPeerResponseSize))
	if err != nil {
		return "", peerError(err)
	}
	body := result.Data
	if !body.Success {
		if body.Data.Code == peaceerrors.ErrInvalidCode {
			return "", peaceerrors.NewInvalidCodeError("peer rejected the code", errors.New(body.Data.Message))
		}
		return "", fmt.Errorf("peer rejected exchange: %s", body.Data.Code)
	}
	if body.Data.Token == "" {
		return "", errors.New("exchange response carried no token")
	}
	return body.Data.Token, nil
}

// ValidateAuthorization asks site whether it issued code and returns the
// issuing site reported by the peer.
func (p *PeerClient) ValidateAuthorization(ctx context.Context, site, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := networking.PostJSON[ValidateAuthorizationResponse](ctx, p.client,
		peace.RESTEndpoint(site, peace.ValidateAuthorizationRoute),
		ValidateAuthorizationRequest{AuthorizationCode: code},
		networking.WithMaxResponseSize(peace.MaxPeerResponseSize),
	)
	if err != nil {
		err = peerError(err)
		if peaceerrors.IsInvalidCode(err) {
			return "", err
		}
		return "", peaceerrors.NewUpstreamUnreachableError(
			fmt.Sprintf("could not validate code with %s", peace.NormalizeSite(site)), err)
	}
	if !result.Data.Valid {
		return "", peaceerrors.NewInvalidCodeError("peer rejected the code", nil)
	}
	return result.Data.SiteURL, nil
}

// peerError turns a peer error body carrying invalid_code into an InvalidCode
// error. Other errors are returned unchanged.
func peerError(err error) error {
	if networking.PeerCodeOf(err) == peaceerrors.ErrInvalidCode {
		return peaceerrors.NewInvalidCodeError("peer rejected the code", err)
	}
	return err
}
