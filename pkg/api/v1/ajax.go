// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/peace-protocol/pkg/api/errors"
	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/handshake"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

// AjaxRoutes serves the form transport. Every call is a form POST whose
// action parameter selects the operation.
type AjaxRoutes struct {
	svc     *Services
	actions map[string]apierrors.HandlerWithError
}

// AjaxRouter creates the form transport router, mounted at
// /wp-admin/admin-ajax.php.
func AjaxRouter(svc *Services) http.Handler {
	routes := &AjaxRoutes{svc: svc}
	routes.actions = map[string]apierrors.HandlerWithError{
		peace.ActionReceivePeace:      routes.receivePeace,
		peace.ActionFederatedAuth:     routes.federatedAuth,
		peace.ActionFederatedExchange: routes.federatedExchange,
		peace.ActionSendPeace:         routes.sendPeace,
		peace.ActionGenerateCode:      routes.generateCode,
	}

	r := chi.NewRouter()
	r.Use(RequireNotBanned(svc.Bans, apierrors.WriteFormError))
	r.Post("/", apierrors.FormErrorHandler(routes.dispatch))
	return r
}

func (a *AjaxRoutes) dispatch(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return peaceerrors.NewInvalidArgumentError("invalid form", err)
	}
	action := r.PostForm.Get("action")
	if action == "" {
		return peaceerrors.NewMissingParameterError("action")
	}
	handler, ok := a.actions[action]
	if !ok {
		return peaceerrors.NewInvalidArgumentError(fmt.Sprintf("unknown action %q", action), nil)
	}
	return handler(w, r)
}

func (a *AjaxRoutes) receivePeace(w http.ResponseWriter, r *http.Request) error {
	f := r.PostForm
	receipt, err := a.svc.Receiver.Receive(r.Context(), f.Get("from_site"), f.Get("token"), f.Get("note"))
	if err != nil {
		return err
	}
	apierrors.WriteFormSuccess(w, map[string]int64{"log_id": receipt.LogID})
	return nil
}

func (a *AjaxRoutes) federatedAuth(w http.ResponseWriter, r *http.Request) error {
	f := r.PostForm
	remoteSite := f.Get("remote_site")
	if remoteSite == "" {
		remoteSite = f.Get(peace.ParamReturnSite)
	}
	principal, _ := session.PrincipalFromContext(r.Context())
	auth, err := a.svc.Orchestrator.Authorize(r.Context(), principal, f.Get("token"), remoteSite, f.Get("state"))
	if err != nil {
		if peaceerrors.IsUnauthorized(err) {
			return peaceerrors.NewInvalidTokenError("invalid token", err)
		}
		return err
	}
	apierrors.WriteFormSuccess(w, map[string]string{"code": auth.Code, "redirect_url": auth.RedirectURL})
	return nil
}

func (a *AjaxRoutes) federatedExchange(w http.ResponseWriter, r *http.Request) error {
	f := r.PostForm
	token, err := a.svc.Orchestrator.Exchange(r.Context(), f.Get("code"), f.Get("site"))
	if err != nil {
		return err
	}
	apierrors.WriteFormSuccess(w, map[string]string{"token": token})
	return nil
}

// sendPeace is the form variant of send-peace. The authorization code is
// accepted as presented and not re-validated with the federated site.
func (a *AjaxRoutes) sendPeace(w http.ResponseWriter, r *http.Request) error {
	f := r.PostForm
	res, err := a.svc.Orchestrator.SendPeace(r.Context(), handshake.SendRequest{
		TargetSite:        f.Get("target_site"),
		Message:           f.Get("message"),
		AuthorizationCode: f.Get("authorization_code"),
		FederatedSite:     f.Get("federated_site"),
	})
	if err != nil {
		return err
	}
	apierrors.WriteFormSuccess(w, map[string]any{"log_id": res.LogID, "transport": res.Transport})
	return nil
}

func (a *AjaxRoutes) generateCode(w http.ResponseWriter, r *http.Request) error {
	f := r.PostForm
	principal, _ := session.PrincipalFromContext(r.Context())
	code, err := a.svc.Orchestrator.IssueExchangeCode(r.Context(), principal, f.Get("token"), f.Get("remote_site"))
	if err != nil {
		return err
	}
	apierrors.WriteFormSuccess(w, map[string]string{"code": code})
	return nil
}
