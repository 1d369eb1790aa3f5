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
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/codes"
	"github.com/stacklok/peace-protocol/pkg/peace/feeds"
	"github.com/stacklok/peace-protocol/pkg/peace/identity"
	"github.com/stacklok/peace-protocol/pkg/peace/peacelog"
	"github.com/stacklok/peace-protocol/pkg/peace/secret"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
	"github.com/stacklok/peace-protocol/pkg/peace/tokens"
	"github.com/stacklok/peace-protocol/pkg/peace/transmit"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

// Peer is the server-to-server client used to reach other sites.
type Peer interface {
	Exchange(ctx context.Context, issuerSite, code, localSite string) (string, error)
	ValidateAuthorization(ctx context.Context, site, code string) (string, error)
}

// Deliverer sends peace messages to other sites.
type Deliverer interface {
	Send(ctx context.Context, targetSite, message string, id peace.Identity) (transmit.Delivery, error)
}

// Config wires an Orchestrator.
type Config struct {
	SiteURL string

	// IdentityTTL is the lifetime of tokens minted and received. Zero uses
	// the identity store default.
	IdentityTTL time.Duration

	Tokens         *tokens.Store
	Identities     *identity.Store
	Authorizations *codes.AuthorizationRegistry
	Exchanges      *codes.ExchangeRegistry
	Pending        *PendingStore
	Bans           *bans.List
	Sessions       *session.Manager
	Feeds          *feeds.Subscriptions
	Log            *peacelog.Log
	Peer           Peer
	Transmitter    Deliverer
	Metrics        *telemetry.Metrics
}

// Orchestrator is the HandshakeOrchestrator.
type Orchestrator struct {
	Config
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	cfg.SiteURL = peace.NormalizeSite(cfg.SiteURL)
	return &Orchestrator{
		Config: cfg,
		logger: logger.ForComponent("handshake"),
	}
}

// Authorization is the result of a successful Authorize.
type Authorization struct {
	Code        string
	RedirectURL string
}

// CallbackResult is the result of a successful Callback.
type CallbackResult struct {
	Session *session.Session
	User    session.FederatedUser
	State   string
}

// SendRequest describes a post-handshake peace delivery.
type SendRequest struct {
	TargetSite        string
	Message           string
	AuthorizationCode string
	FederatedSite     string

	// Verify re-validates AuthorizationCode with FederatedSite before
	// sending. The form transport sends without it.
	Verify bool
}

// SendResult describes a delivered message.
type SendResult struct {
	LogID     int64
	Transport string
}

// Transport reported by SendPeace when the target is this site.
const TransportLocal = "local"

// SweepResult counts the records removed by Sweep.
type SweepResult struct {
	AuthorizationCodes int `json:"authorization_codes"`
	ExchangeCodes      int `json:"exchange_codes"`
	Identities         int `json:"identities"`
	Pending            int `json:"pending"`
}

// Authorize issues an authorization code for returnSite. The caller must be
// an administrator or present the active token. The returned redirect sends
// the visitor back to returnSite carrying the code.
func (o *Orchestrator) Authorize(
	ctx context.Context, principal *session.Principal, token, returnSite, state string,
) (*Authorization, error) {
	if returnSite == "" {
		return nil, peaceerrors.NewMissingParameterError(peace.ParamReturnSite)
	}
	if err := peace.ValidateSiteURL(returnSite); err != nil {
		return nil, peaceerrors.NewInvalidArgumentError("invalid return site", err)
	}
	returnSite = peace.NormalizeSite(returnSite)

	if err := o.checkBans(ctx, principal, returnSite); err != nil {
		return nil, err
	}
	if err := o.authenticate(ctx, principal, token); err != nil {
		return nil, err
	}

	code, err := o.Authorizations.Issue(ctx, codes.Authorization{SiteURL: o.SiteURL, ReturnSite: returnSite})
	if err != nil {
		return nil, err
	}

	if err := o.Feeds.Subscribe(ctx, returnSite); err != nil {
		o.logger.Warn("failed to subscribe to feed", "site", returnSite, "error", err)
	}

	redirect, err := o.redirectURL(returnSite, code, state)
	if err != nil {
		return nil, err
	}
	o.logger.Info("issued authorization code", "return_site", returnSite)
	return &Authorization{Code: code, RedirectURL: redirect}, nil
}

func (o *Orchestrator) authenticate(ctx context.Context, principal *session.Principal, token string) error {
	if principal != nil && principal.Admin {
		return nil
	}
	if token == "" {
		return peaceerrors.NewUnauthorizedError("authentication required", nil)
	}
	if _, err := o.Tokens.Validate(ctx, token); err != nil {
		if peaceerrors.IsInvalidToken(err) {
			return peaceerrors.NewUnauthorizedError("authentication required", err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) redirectURL(returnSite, code, state string) (string, error) {
	u, err := url.Parse(returnSite)
	if err != nil {
		return "", peaceerrors.NewInvalidArgumentError("invalid return site", err)
	}
	q := u.Query()
	q.Set(peace.ParamAuthorizationCode, code)
	q.Set(peace.ParamFederatedSite, o.SiteURL)
	q.Set(peace.ParamFederatedState, state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IssueExchangeCode issues a code in the exchange registry for remoteSite.
// It is the alternate issuance path used by the form transport and the
// admin API; the same caller rules as Authorize apply.
func (o *Orchestrator) IssueExchangeCode(
	ctx context.Context, principal *session.Principal, token, remoteSite string,
) (string, error) {
	if remoteSite != "" {
		if err := peace.ValidateSiteURL(remoteSite); err != nil {
			return "", peaceerrors.NewInvalidArgumentError("invalid remote site", err)
		}
		remoteSite = peace.NormalizeSite(remoteSite)
	}
	if err := o.checkBans(ctx, principal, remoteSite); err != nil {
		return "", err
	}
	if err := o.authenticate(ctx, principal, token); err != nil {
		return "", err
	}
	return o.Exchanges.Issue(ctx, codes.Exchange{SiteURL: remoteSite})
}

// SavePending parks a browser handshake request until the visitor logs in.
func (o *Orchestrator) SavePending(ctx context.Context, returnSite, state string) (string, error) {
	if returnSite == "" {
		return "", peaceerrors.NewMissingParameterError(peace.ParamReturnSite)
	}
	if err := peace.ValidateSiteURL(returnSite); err != nil {
		return "", peaceerrors.NewInvalidArgumentError("invalid return site", err)
	}
	return o.Pending.Save(ctx, peace.NormalizeSite(returnSite), state)
}

// Resume completes a parked handshake for a principal that has logged in.
func (o *Orchestrator) Resume(ctx context.Context, principal *session.Principal, id string) (*Authorization, error) {
	if err := o.checkBans(ctx, principal, ""); err != nil {
		return nil, err
	}
	p, err := o.Pending.Take(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Authorize(ctx, principal, "", p.ReturnSite, p.State)
}

// Exchange redeems code for site and mints a token for it. Authorization
// codes are tried first and exchange codes when the code is unknown there.
// The minted token is also recorded as an identity of site so its later
// deliveries to this site authenticate.
func (o *Orchestrator) Exchange(ctx context.Context, code, site string) (string, error) {
	if code == "" {
		return "", peaceerrors.NewMissingParameterError("code")
	}
	if site == "" {
		return "", peaceerrors.NewMissingParameterError("site")
	}
	site = peace.NormalizeSite(site)

	if err := o.checkSite(ctx, site); err != nil {
		return "", err
	}

	if err := o.redeem(ctx, code, site); err != nil {
		if errors.Is(err, errSiteMismatch) {
			o.logger.Warn("exchange site mismatch", "site", site)
		} else {
			o.logger.Debug("exchange rejected", "site", site, "error", err)
		}
		return "", err
	}

	token, err := secret.Generate()
	if err != nil {
		return "", peaceerrors.NewInternalError("failed to generate token", err)
	}
	if err := o.Identities.Add(ctx, site, token, o.IdentityTTL); err != nil {
		return "", err
	}
	o.Metrics.RecordTokenMinted(ctx)
	o.logger.Info("minted federation token", "site", site)
	return token, nil
}

var errSiteMismatch = errors.New("code bound to another site")

// boundTo accepts a code bound to site, or bound to no site at all.
func boundTo(bound, site string) error {
	if bound != "" && !peace.SameSite(bound, site) {
		return errSiteMismatch
	}
	return nil
}

// redeem consumes code for site. A code bound to another site is rejected
// without being consumed, so the rightful site can still redeem it.
func (o *Orchestrator) redeem(ctx context.Context, code, site string) error {
	_, err := o.Authorizations.RedeemIf(ctx, code, func(a codes.Authorization) error {
		return boundTo(a.ReturnSite, site)
	})
	if !errors.Is(err, codes.ErrCodeNotFound) {
		return err
	}
	_, err = o.Exchanges.RedeemIf(ctx, code, func(e codes.Exchange) error {
		return boundTo(e.SiteURL, site)
	})
	return err
}

// ValidateAuthorization reports the issuing site of an unexpired
// authorization code without consuming it.
func (o *Orchestrator) ValidateAuthorization(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", peaceerrors.NewMissingParameterError("authorization_code")
	}
	auth, err := o.Authorizations.Peek(ctx, code)
	if err != nil {
		return "", err
	}
	return auth.SiteURL, nil
}

// Callback completes the handshake on the returning site: the code is
// exchanged with federatedSite, the token stored and a session created for
// the federated user representing federatedSite.
func (o *Orchestrator) Callback(ctx context.Context, code, federatedSite, state string) (*CallbackResult, error) {
	if code == "" {
		return nil, peaceerrors.NewMissingParameterError(peace.ParamAuthorizationCode)
	}
	if federatedSite == "" {
		return nil, peaceerrors.NewMissingParameterError(peace.ParamFederatedSite)
	}
	if err := peace.ValidateSiteURL(federatedSite); err != nil {
		return nil, peaceerrors.NewInvalidArgumentError("invalid federated site", err)
	}
	federatedSite = peace.NormalizeSite(federatedSite)

	if err := o.checkSite(ctx, federatedSite); err != nil {
		return nil, err
	}

	token, err := o.Peer.Exchange(ctx, federatedSite, code, o.SiteURL)
	if err != nil {
		o.logger.Warn("code exchange failed", "site", federatedSite, "error", err)
		return nil, err
	}
	if err := o.Identities.Add(ctx, federatedSite, token, o.IdentityTTL); err != nil {
		return nil, err
	}

	user, err := o.Sessions.EnsureFederatedUser(ctx, federatedSite)
	if err != nil {
		return nil, err
	}
	sess, err := o.Sessions.Create(ctx, user.Principal())
	if err != nil {
		return nil, err
	}
	o.logger.Info("handshake completed", "site", federatedSite, "user", user.ID)
	return &CallbackResult{Session: sess, User: user, State: state}, nil
}

// SendPeace delivers message to req.TargetSite on behalf of req.FederatedSite.
// A target equal to this site is logged directly; any other target receives
// the message with the token it granted this site.
func (o *Orchestrator) SendPeace(ctx context.Context, req SendRequest) (*SendResult, error) {
	switch {
	case req.TargetSite == "":
		return nil, peaceerrors.NewMissingParameterError("target_site")
	case req.AuthorizationCode == "":
		return nil, peaceerrors.NewMissingParameterError("authorization_code")
	case req.FederatedSite == "":
		return nil, peaceerrors.NewMissingParameterError("federated_site")
	}
	target := peace.NormalizeSite(req.TargetSite)
	federatedSite := peace.NormalizeSite(req.FederatedSite)

	if err := o.checkSite(ctx, federatedSite); err != nil {
		return nil, err
	}

	if req.Verify {
		if err := o.verifyCode(ctx, federatedSite, req.AuthorizationCode); err != nil {
			return nil, err
		}
	}

	return o.deliver(ctx, target, federatedSite, req.Message)
}

// Deliver sends message from this site to targetSite. It is the
// administrator's send action.
func (o *Orchestrator) Deliver(ctx context.Context, targetSite, message string) (*SendResult, error) {
	if targetSite == "" {
		return nil, peaceerrors.NewMissingParameterError("target_site")
	}
	return o.deliver(ctx, peace.NormalizeSite(targetSite), o.SiteURL, message)
}

func (o *Orchestrator) deliver(ctx context.Context, target, fromSite, message string) (*SendResult, error) {
	if peace.SameSite(target, o.SiteURL) {
		id, err := o.Log.Append(ctx, fromSite, message)
		if err != nil {
			return nil, err
		}
		o.Metrics.RecordReceived(ctx, telemetry.ResultSuccess)
		return &SendResult{LogID: id, Transport: TransportLocal}, nil
	}

	granted, ok, err := o.Identities.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, peaceerrors.NewInvalidTokenError(
			fmt.Sprintf("no federated identity for %s", target), nil)
	}

	delivery, err := o.Transmitter.Send(ctx, target, message,
		peace.Identity{SiteURL: o.SiteURL, Token: granted.Token})
	if err != nil {
		return nil, err
	}
	return &SendResult{LogID: delivery.LogID, Transport: delivery.Transport}, nil
}

func (o *Orchestrator) verifyCode(ctx context.Context, federatedSite, code string) error {
	var (
		issuer string
		err    error
	)
	if peace.SameSite(federatedSite, o.SiteURL) {
		issuer, err = o.ValidateAuthorization(ctx, code)
	} else {
		issuer, err = o.Peer.ValidateAuthorization(ctx, federatedSite, code)
	}
	if err != nil {
		return err
	}
	if issuer != "" && !peace.SameSite(issuer, federatedSite) {
		return peaceerrors.NewInvalidCodeError("invalid code", errors.New("code issued by another site"))
	}
	return nil
}

// Sweep removes expired and used records from every handshake collection.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
		err  error
	)
	if res.AuthorizationCodes, err = o.Authorizations.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.ExchangeCodes, err = o.Exchanges.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Identities, err = o.Identities.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Pending, err = o.Pending.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// checkBans rejects a banned principal or a banned federated user of site.
func (o *Orchestrator) checkBans(ctx context.Context, principal *session.Principal, site string) error {
	ids := make([]string, 0, 2)
	if principal != nil {
		ids = append(ids, principal.ID)
	}
	if site != "" {
		id, err := o.Sessions.FederatedUserID(ctx, site)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	return o.Bans.Check(ctx, ids...)
}

func (o *Orchestrator) checkSite(ctx context.Context, site string) error {
	return o.checkBans(ctx, nil, site)
}

// CleanCallbackURL removes the handshake parameters from rawURL. It is the
// neutral redirect target after a callback, successful or not.
func CleanCallbackURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	q := u.Query()
	for _, p := range peace.HandshakeParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
