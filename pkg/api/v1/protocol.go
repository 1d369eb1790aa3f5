// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/peace-protocol/pkg/api/errors"
	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/handshake"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
	"github.com/stacklok/peace-protocol/pkg/peace/transmit"
)

// ProtocolRoutes defines the REST routes of the protocol.
type ProtocolRoutes struct {
	svc    *Services
	logger *slog.Logger
}

// ProtocolRouter creates the REST router. It is mounted under both
// /peace-protocol/v1 and /wp-json/peace-protocol/v1.
func ProtocolRouter(svc *Services) http.Handler {
	routes := &ProtocolRoutes{svc: svc, logger: logger.ForComponent("protocol")}

	r := chi.NewRouter()
	r.Use(CORS, RequireNotBanned(svc.Bans, apierrors.WriteRESTError))
	r.Post(peace.ReceiveRoute, apierrors.ErrorHandler(routes.receive))
	r.Post(peace.FederatedAuthRoute, apierrors.ErrorHandler(routes.federatedAuth))
	r.Post(peace.FederatedExchangeRoute, apierrors.ErrorHandler(routes.federatedExchange))
	r.Post(peace.SendPeaceRoute, apierrors.ErrorHandler(routes.sendPeace))
	r.Post(peace.ValidateAuthorizationRoute, apierrors.ErrorHandler(routes.validateAuthorization))
	r.Post("/login", apierrors.ErrorHandler(routes.login))
	r.Post("/logout", apierrors.ErrorHandler(routes.logout))
	return r
}

type receiveResponse struct {
	Message string `json:"message"`
	LogID   int64  `json:"log_id"`
}

type federatedAuthRequest struct {
	Token      string `json:"token"`
	RemoteSite string `json:"remote_site"`
	State      string `json:"state"`
}

type federatedAuthResponse struct {
	Success     bool   `json:"success"`
	Code        string `json:"code"`
	RedirectURL string `json:"redirect_url"`
}

type sendPeaceRequest struct {
	TargetSite        string `json:"target_site"`
	Message           string `json:"message"`
	AuthorizationCode string `json:"authorization_code"`
	FederatedSite     string `json:"federated_site"`
}

type sendPeaceResponse struct {
	Success   bool   `json:"success"`
	LogID     int64  `json:"log_id"`
	Transport string `json:"transport"`
}

func (s *ProtocolRoutes) receive(w http.ResponseWriter, r *http.Request) error {
	var req transmit.ReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	receipt, err := s.svc.Receiver.Receive(r.Context(), "", req.Token, req.Message)
	if err != nil {
		return err
	}
	// The token decides who may deliver; a foreign target is only reported.
	if req.TargetSite != "" && !peace.SameSite(req.TargetSite, s.svc.SiteURL) {
		s.logger.Warn("received peace addressed to another site",
			"target_site", req.TargetSite, "from_site", receipt.FromSite, "log_id", receipt.LogID)
	}
	apierrors.WriteJSON(w, http.StatusOK, receiveResponse{Message: "Peace received", LogID: receipt.LogID})
	return nil
}

func (s *ProtocolRoutes) federatedAuth(w http.ResponseWriter, r *http.Request) error {
	var req federatedAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	principal, _ := session.PrincipalFromContext(r.Context())
	auth, err := s.svc.Orchestrator.Authorize(r.Context(), principal, req.Token, req.RemoteSite, req.State)
	if err != nil {
		if peaceerrors.IsUnauthorized(err) {
			return peaceerrors.NewInvalidTokenError("invalid token", err)
		}
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, federatedAuthResponse{
		Success:     true,
		Code:        auth.Code,
		RedirectURL: auth.RedirectURL,
	})
	return nil
}

func (s *ProtocolRoutes) federatedExchange(w http.ResponseWriter, r *http.Request) error {
	var req handshake.ExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	token, err := s.svc.Orchestrator.Exchange(r.Context(), req.Code, req.Site)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, handshake.ExchangeResponse{Success: true, Token: token})
	return nil
}

func (s *ProtocolRoutes) sendPeace(w http.ResponseWriter, r *http.Request) error {
	var req sendPeaceRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	res, err := s.svc.Orchestrator.SendPeace(r.Context(), handshake.SendRequest{
		TargetSite:        req.TargetSite,
		Message:           req.Message,
		AuthorizationCode: req.AuthorizationCode,
		FederatedSite:     req.FederatedSite,
		Verify:            true,
	})
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, sendPeaceResponse{Success: true, LogID: res.LogID, Transport: res.Transport})
	return nil
}

func (s *ProtocolRoutes) validateAuthorization(w http.ResponseWriter, r *http.Request) error {
	var req handshake.ValidateAuthorizationRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	site, err := s.svc.Orchestrator.ValidateAuthorization(r.Context(), req.AuthorizationCode)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, handshake.ValidateAuthorizationResponse{Valid: true, SiteURL: site})
	return nil
}

// login authenticates the administrator from a form post. With a pending
// handshake id the parked handshake resumes and the visitor is redirected to
// the returning site.
func (s *ProtocolRoutes) login(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return peaceerrors.NewInvalidArgumentError("invalid form", err)
	}
	pending := r.PostForm.Get("pending")
	principal, err := s.svc.Sessions.Authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		if pending != "" {
			renderPage(w, http.StatusUnauthorized, pageData{
				SiteURL: s.svc.SiteURL,
				Pending: pending,
				Error:   "The username or password is incorrect.",
			})
			return nil
		}
		return err
	}
	if err := s.svc.Bans.Check(r.Context(), principal.ID); err != nil {
		return err
	}
	sess, err := s.svc.Sessions.Create(r.Context(), principal)
	if err != nil {
		return err
	}
	setSessionCookie(w, s.svc.SiteURL, sess)

	if pending != "" {
		auth, err := s.svc.Orchestrator.Resume(r.Context(), principal, pending)
		if err != nil {
			return err
		}
		http.Redirect(w, r, auth.RedirectURL, http.StatusFound)
		return nil
	}
	apierrors.WriteJSON(w, http.StatusOK, successResponse{Success: true})
	return nil
}

func (s *ProtocolRoutes) logout(w http.ResponseWriter, r *http.Request) error {
	if cookie, err := r.Cookie(session.CookieName); err == nil {
		if err := s.svc.Sessions.Destroy(r.Context(), cookie.Value); err != nil {
			return err
		}
	}
	clearSessionCookie(w, s.svc.SiteURL)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return peaceerrors.NewInvalidArgumentError("invalid request body", err)
	}
	return nil
}
