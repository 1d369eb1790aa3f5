// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/peace-protocol/pkg/api/errors"
	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/feeds"
	"github.com/stacklok/peace-protocol/pkg/peace/identity"
	"github.com/stacklok/peace-protocol/pkg/peace/peacelog"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

// AdminRoutes defines the administrator API.
type AdminRoutes struct {
	svc *Services
}

// AdminRouter creates the administrator router. Every route requires an
// administrator session.
func AdminRouter(svc *Services) http.Handler {
	routes := &AdminRoutes{svc: svc}

	r := chi.NewRouter()
	r.Use(RequireAdmin, RequireNotBanned(svc.Bans, apierrors.WriteRESTError))
	r.Get("/tokens", apierrors.ErrorHandler(routes.listTokens))
	r.Post("/tokens", apierrors.ErrorHandler(routes.generateToken))
	r.Delete("/tokens/{token}", apierrors.ErrorHandler(routes.deleteToken))
	r.Get("/identities", apierrors.ErrorHandler(routes.listIdentities))
	r.Get("/federated-users", apierrors.ErrorHandler(routes.listFederatedUsers))
	r.Get("/feeds", apierrors.ErrorHandler(routes.listFeeds))
	r.Get("/peace-log", apierrors.ErrorHandler(routes.listLog))
	r.Get("/bans", apierrors.ErrorHandler(routes.listBans))
	r.Put("/bans/{userID}", apierrors.ErrorHandler(routes.ban))
	r.Delete("/bans/{userID}", apierrors.ErrorHandler(routes.unban))
	r.Post("/codes", apierrors.ErrorHandler(routes.generateCode))
	r.Post("/send", apierrors.ErrorHandler(routes.send))
	r.Post("/sweep", apierrors.ErrorHandler(routes.sweep))
	return r
}

type tokenListResponse struct {
	Tokens []string `json:"tokens"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type identityListResponse struct {
	Identities []identity.Record `json:"identities"`
}

type federatedUserListResponse struct {
	Users []session.FederatedUser `json:"users"`
}

type feedListResponse struct {
	Feeds []feeds.Subscription `json:"feeds"`
}

type logResponse struct {
	Entries []peacelog.Entry `json:"entries"`
}

type banListResponse struct {
	Bans []bans.Ban `json:"bans"`
}

type banRequest struct {
	Reason string `json:"reason"`
}

type codeRequest struct {
	RemoteSite string `json:"remote_site"`
}

type codeResponse struct {
	Code string `json:"code"`
}

type sendRequest struct {
	TargetSite string `json:"target_site"`
	Message    string `json:"message"`
}

// listTokens rotates the tokens and lists them. Each visit to the token list
// therefore activates the next token.
func (a *AdminRoutes) listTokens(w http.ResponseWriter, r *http.Request) error {
	if err := a.svc.Tokens.Rotate(r.Context()); err != nil {
		return err
	}
	list, err := a.svc.Tokens.List(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, tokenListResponse{Tokens: list})
	return nil
}

func (a *AdminRoutes) generateToken(w http.ResponseWriter, r *http.Request) error {
	token, err := a.svc.Tokens.Generate(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusCreated, tokenResponse{Token: token})
	return nil
}

func (a *AdminRoutes) deleteToken(w http.ResponseWriter, r *http.Request) error {
	if err := a.svc.Tokens.Delete(r.Context(), chi.URLParam(r, "token")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *AdminRoutes) listIdentities(w http.ResponseWriter, r *http.Request) error {
	records, err := a.svc.Identities.List(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, identityListResponse{Identities: records})
	return nil
}

func (a *AdminRoutes) listFederatedUsers(w http.ResponseWriter, r *http.Request) error {
	users, err := a.svc.Sessions.FederatedUsers(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, federatedUserListResponse{Users: users})
	return nil
}

func (a *AdminRoutes) listFeeds(w http.ResponseWriter, r *http.Request) error {
	subs, err := a.svc.Feeds.List(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, feedListResponse{Feeds: subs})
	return nil
}

func (a *AdminRoutes) listLog(w http.ResponseWriter, r *http.Request) error {
	entries, err := a.svc.Log.List(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, logResponse{Entries: entries})
	return nil
}

func (a *AdminRoutes) listBans(w http.ResponseWriter, r *http.Request) error {
	list, err := a.svc.Bans.List(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, banListResponse{Bans: list})
	return nil
}

func (a *AdminRoutes) ban(w http.ResponseWriter, r *http.Request) error {
	var req banRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	userID := chi.URLParam(r, "userID")
	if userID == session.AdminID {
		return peaceerrors.NewInvalidArgumentError("the administrator cannot be banned", nil)
	}
	if err := a.svc.Bans.Ban(r.Context(), userID, req.Reason); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *AdminRoutes) unban(w http.ResponseWriter, r *http.Request) error {
	if err := a.svc.Bans.Unban(r.Context(), chi.URLParam(r, "userID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *AdminRoutes) generateCode(w http.ResponseWriter, r *http.Request) error {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	principal, _ := session.PrincipalFromContext(r.Context())
	code, err := a.svc.Orchestrator.IssueExchangeCode(r.Context(), principal, "", req.RemoteSite)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusCreated, codeResponse{Code: code})
	return nil
}

func (a *AdminRoutes) send(w http.ResponseWriter, r *http.Request) error {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	res, err := a.svc.Orchestrator.Deliver(r.Context(), req.TargetSite, req.Message)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, sendPeaceResponse{Success: true, LogID: res.LogID, Transport: res.Transport})
	return nil
}

func (a *AdminRoutes) sweep(w http.ResponseWriter, r *http.Request) error {
	res, err := a.svc.Orchestrator.Sweep(r.Context())
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, res)
	return nil
}
