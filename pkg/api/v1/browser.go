// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/handshake"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

// TokenStorageKey is the localStorage key holding this site's active token.
// The landing page writes it for a logged-in administrator; the consent page
// polls it and authorizes with it once it appears.
const TokenStorageKey = "peace_protocol_token"

// tokenPollInterval and tokenPollAttempts bound the consent page's polling.
const (
	tokenPollInterval = 1000 // milliseconds
	tokenPollAttempts = 30
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

type pageData struct {
	SiteURL    string
	ReturnSite string
	State      string
	Pending    string
	Message    string
	Error      string

	// SaveToken is written to localStorage by the landing page.
	SaveToken string

	LoginURL          string
	AuthURL           string
	TokenStorageKey   string
	TokenPollInterval int
	TokenPollAttempts int
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	if data.LoginURL == "" {
		data.LoginURL = peace.RESTNamespace + "/login"
	}
	if data.AuthURL == "" {
		data.AuthURL = peace.RESTNamespace + peace.FederatedAuthRoute
	}
	data.TokenStorageKey = TokenStorageKey
	data.TokenPollInterval = tokenPollInterval
	data.TokenPollAttempts = tokenPollAttempts

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		logger.Errorw("failed to render page", "error", err)
	}
}

func renderError(w http.ResponseWriter, _ *http.Request, err error) {
	renderPage(w, peaceerrors.HTTPStatus(err), pageData{Error: browserMessage(err)})
}

// browserMessage is the plain-language text shown to visitors for err.
func browserMessage(err error) string {
	switch {
	case peaceerrors.IsBannedUser(err):
		return "Your account is not allowed to connect with this site."
	case peaceerrors.IsInvalidArgument(err), peaceerrors.IsMissingParameter(err):
		return "The connection request was incomplete or has expired. Please start again from the other site."
	default:
		return "Something went wrong while connecting the sites. Please try again."
	}
}

// BrowserRoutes serves the visitor-facing legs of the handshake.
type BrowserRoutes struct {
	svc *Services
}

// BrowserRouter creates the router for GET requests carrying handshake query
// parameters. Requests without them get a short landing page.
func BrowserRouter(svc *Services) http.Handler {
	routes := &BrowserRoutes{svc: svc}

	r := chi.NewRouter()
	r.Use(RequireNotBanned(svc.Bans, renderError))
	r.Get("/*", routes.index)
	return r
}

func (b *BrowserRoutes) index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get(peace.ParamGetToken) != "":
		b.getToken(w, r)
	case q.Get(peace.ParamAuthorizationCode) != "":
		b.callback(w, r)
	default:
		data := pageData{
			SiteURL: b.svc.SiteURL,
			Message: "This site takes part in the peace protocol.",
		}
		if principal, ok := session.PrincipalFromContext(r.Context()); ok && principal != nil && principal.Admin {
			token, err := b.svc.Tokens.Active(r.Context())
			if err != nil {
				renderError(w, r, err)
				return
			}
			data.SaveToken = token
		}
		renderPage(w, http.StatusOK, data)
	}
}

// getToken starts a handshake for the site in return_site. Logged-in
// administrators are redirected straight back with a code; anyone else gets
// the consent page and the request is parked until they log in.
func (b *BrowserRoutes) getToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	returnSite, state := q.Get(peace.ParamReturnSite), q.Get(peace.ParamState)

	principal, _ := session.PrincipalFromContext(ctx)
	auth, err := b.svc.Orchestrator.Authorize(ctx, principal, "", returnSite, state)
	if err == nil {
		http.Redirect(w, r, auth.RedirectURL, http.StatusFound)
		return
	}
	if !peaceerrors.IsUnauthorized(err) {
		renderError(w, r, err)
		return
	}

	id, err := b.svc.Orchestrator.SavePending(ctx, returnSite, state)
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderPage(w, http.StatusOK, pageData{
		SiteURL:    b.svc.SiteURL,
		ReturnSite: peace.NormalizeSite(returnSite),
		State:      state,
		Pending:    id,
	})
}

// callback completes a handshake started from this site. Whatever the
// outcome, the visitor lands on the same URL without the handshake
// parameters.
func (b *BrowserRoutes) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := handshake.CleanCallbackURL(r.URL.RequestURI())

	res, err := b.svc.Orchestrator.Callback(r.Context(),
		q.Get(peace.ParamAuthorizationCode), q.Get(peace.ParamFederatedSite), q.Get(peace.ParamFederatedState))
	if err != nil {
		logger.Warnw("handshake callback failed", "site", q.Get(peace.ParamFederatedSite), "error", err)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	setSessionCookie(w, b.svc.SiteURL, res.Session)
	http.Redirect(w, r, target, http.StatusFound)
}
