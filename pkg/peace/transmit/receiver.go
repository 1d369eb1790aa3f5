// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transmit

import (
	"context"
	"log/slog"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

// TokenValidator validates the local site's active token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (peace.Identity, error)
}

// IdentityValidator validates tokens granted to remote sites.
type IdentityValidator interface {
	Validate(ctx context.Context, token string) (peace.Identity, error)
	ValidateFor(ctx context.Context, token, siteURL string) (peace.Identity, error)
	// SiteFor resolves the site a token belongs to without side effects.
	SiteFor(ctx context.Context, token string) (string, bool, error)
}

// BanChecker reports banned principals.
type BanChecker interface {
	Check(ctx context.Context, userIDs ...string) error
}

// UserResolver maps a remote site to its local federated user id.
type UserResolver interface {
	FederatedUserID(ctx context.Context, siteURL string) (string, error)
}

// LogAppender persists received messages.
type LogAppender interface {
	Append(ctx context.Context, fromSite, note string) (int64, error)
}

// Receipt describes an accepted message.
type Receipt struct {
	LogID    int64
	FromSite string
}

// Receiver accepts peace messages delivered to this site.
type Receiver struct {
	siteURL    string
	tokens     TokenValidator
	identities IdentityValidator
	bans       BanChecker
	users      UserResolver
	log        LogAppender
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// ReceiverConfig wires a Receiver.
type ReceiverConfig struct {
	SiteURL    string
	Tokens     TokenValidator
	Identities IdentityValidator
	Bans       BanChecker
	Users      UserResolver
	Log        LogAppender
	Metrics    *telemetry.Metrics
}

// NewReceiver creates a Receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{
		siteURL:    peace.NormalizeSite(cfg.SiteURL),
		tokens:     cfg.Tokens,
		identities: cfg.Identities,
		bans:       cfg.Bans,
		users:      cfg.Users,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		logger:     logger.ForComponent("receive"),
	}
}

// Receive authenticates the sender and logs note. The token is accepted when
// it is this site's active token (fromSite empty or this site) or when it
// matches an unexpired federated identity of fromSite. An empty fromSite is
// resolved from the matching identity.
func (r *Receiver) Receive(ctx context.Context, fromSite, token, note string) (Receipt, error) {
	receipt, err := r.receive(ctx, fromSite, token, note)
	if err != nil {
		r.metrics.RecordReceived(ctx, telemetry.ResultFailure)
		return Receipt{}, err
	}
	r.metrics.RecordReceived(ctx, telemetry.ResultSuccess)
	return receipt, nil
}

func (r *Receiver) receive(ctx context.Context, fromSite, token, note string) (Receipt, error) {
	if token == "" {
		return Receipt{}, peaceerrors.NewMissingParameterError("token")
	}
	fromSite = peace.NormalizeSite(fromSite)

	// Bans are checked before validation, which may evict an expired record.
	checked := fromSite
	if checked == "" {
		site, ok, err := r.identities.SiteFor(ctx, token)
		if err != nil {
			return Receipt{}, err
		}
		if ok {
			checked = site
		}
	}
	if checked != "" {
		if err := r.checkBan(ctx, checked); err != nil {
			return Receipt{}, err
		}
	}

	sender, err := r.authenticate(ctx, fromSite, token)
	if err != nil {
		r.logger.Debug("rejected peace delivery", "from_site", fromSite, "error", err)
		return Receipt{}, err
	}

	if !peace.SameSite(sender.SiteURL, checked) {
		if err := r.checkBan(ctx, sender.SiteURL); err != nil {
			return Receipt{}, err
		}
	}

	id, err := r.log.Append(ctx, sender.SiteURL, note)
	if err != nil {
		return Receipt{}, err
	}
	r.logger.Info("received peace", "from_site", sender.SiteURL, "log_id", id)
	return Receipt{LogID: id, FromSite: sender.SiteURL}, nil
}

func (r *Receiver) authenticate(ctx context.Context, fromSite, token string) (peace.Identity, error) {
	if fromSite == "" || peace.SameSite(fromSite, r.siteURL) {
		if id, err := r.tokens.Validate(ctx, token); err == nil {
			return id, nil
		} else if !peaceerrors.IsInvalidToken(err) {
			return peace.Identity{}, err
		}
	}
	if fromSite == "" {
		return r.identities.Validate(ctx, token)
	}
	return r.identities.ValidateFor(ctx, token, fromSite)
}

func (r *Receiver) checkBan(ctx context.Context, site string) error {
	userID, err := r.users.FederatedUserID(ctx, site)
	if err != nil {
		return err
	}
	return r.bans.Check(ctx, userID)
}
