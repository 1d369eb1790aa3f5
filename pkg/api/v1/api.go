// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the HTTP routes of the peace protocol: the REST and form
// transports used between sites, the browser legs of the handshake, and the
// administrator API.
package v1

import (
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/feeds"
	"github.com/stacklok/peace-protocol/pkg/peace/handshake"
	"github.com/stacklok/peace-protocol/pkg/peace/identity"
	"github.com/stacklok/peace-protocol/pkg/peace/peacelog"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
	"github.com/stacklok/peace-protocol/pkg/peace/tokens"
	"github.com/stacklok/peace-protocol/pkg/peace/transmit"
)

// Services are the protocol components the routes call into.
type Services struct {
	SiteURL      string
	Orchestrator *handshake.Orchestrator
	Receiver     *transmit.Receiver
	Sessions     *session.Manager
	Tokens       *tokens.Store
	Identities   *identity.Store
	Log          *peacelog.Log
	Bans         *bans.List
	Feeds        *feeds.Subscriptions
}

type successResponse struct {
	Success bool `json:"success"`
}
