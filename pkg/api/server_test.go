// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	v1 "github.com/stacklok/peace-protocol/pkg/api/v1"
	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

const (
	testAdmin    = "admin"
	testPassword = "correct horse"
)

type testSite struct {
	URL   string
	svc   *v1.Services
	store kv.Store
}

type siteOption func(*Options)

func newTestSite(t *testing.T, opts ...siteOption) *testSite {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.SiteURL = srv.URL
	cfg.Admin = config.AdminConfig{Username: testAdmin, PasswordHash: string(hash)}
	cfg.Peer.SendTimeout = 2 * time.Second
	cfg.Peer.ExchangeTimeout = 2 * time.Second

	store := kv.NewMemoryStore()
	svc, err := NewServices(context.Background(), cfg, store,
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	require.NoError(t, err)

	options := Options{Services: svc, Store: store}
	for _, opt := range opts {
		opt(&options)
	}
	handler = NewRouter(options)

	return &testSite{URL: srv.URL, svc: svc, store: store}
}

// noRedirect returns redirects to the caller instead of following them.
var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	Timeout:       5 * time.Second,
}

func do(t *testing.T, method, target string, body io.Reader, contentType string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func postJSON(t *testing.T, target string, v any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return do(t, http.MethodPost, target, bytes.NewReader(data), "application/json", cookies...)
}

func postForm(t *testing.T, target string, form url.Values, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	return do(t, http.MethodPost, target, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", cookies...)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName && c.Value != "" {
			return c
		}
	}
	return nil
}

func (s *testSite) login(t *testing.T) *http.Cookie {
	t.Helper()
	resp := postForm(t, s.URL+peace.RESTNamespace+"/login", url.Values{
		"username": {testAdmin},
		"password": {testPassword},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	return cookie
}

func getTokenURL(issuer, returnSite, state string) string {
	q := url.Values{}
	q.Set(peace.ParamGetToken, "1")
	q.Set(peace.ParamReturnSite, returnSite)
	q.Set(peace.ParamState, state)
	return issuer + "/?" + q.Encode()
}

func TestHandshake_BrowserFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := newTestSite(t)
	b := newTestSite(t)

	// The administrator of B approves A.
	adminB := b.login(t)
	resp := do(t, http.MethodGet, getTokenURL(b.URL, a.URL, "xyz"), nil, "", adminB)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, a.URL, callback.Scheme+"://"+callback.Host)
	assert.NotEmpty(t, callback.Query().Get(peace.ParamAuthorizationCode))
	assert.Equal(t, b.URL, callback.Query().Get(peace.ParamFederatedSite))
	assert.Equal(t, "xyz", callback.Query().Get(peace.ParamFederatedState))

	// A redeems the code on the visitor's behalf.
	resp = do(t, http.MethodGet, callback.String(), nil, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.NotContains(t, resp.Header.Get("Location"), peace.ParamAuthorizationCode)
	federated := sessionCookie(resp)
	require.NotNil(t, federated)

	granted, ok, err := a.svc.Identities.Lookup(ctx, b.URL)
	require.NoError(t, err)
	require.True(t, ok)
	issued, ok, err := b.svc.Identities.Lookup(ctx, a.URL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, granted.Token, issued.Token)

	users, err := a.svc.Sessions.FederatedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, b.URL, users[0].SiteURL)

	// Replaying the callback lands on the same page without a new session.
	resp = do(t, http.MethodGet, callback.String(), nil, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Nil(t, sessionCookie(resp))

	// A's administrator sends peace to B with the granted token.
	adminA := a.login(t)
	resp = postJSON(t, a.URL+"/admin/send", map[string]string{
		"target_site": b.URL,
		"message":     "hello from A",
	}, adminA)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := b.svc.Log.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a.URL, entries[0].FromSite)
	assert.Equal(t, "hello from A", entries[0].Note)
}

var pendingField = regexp.MustCompile(`name="pending" value="([^"]+)"`)

func TestHandshake_ConsentLogin(t *testing.T) {
	t.Parallel()

	a := newTestSite(t)
	b := newTestSite(t)

	resp := do(t, http.MethodGet, getTokenURL(b.URL, a.URL, "s1"), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	match := pendingField.FindSubmatch(page)
	require.Len(t, match, 2, "consent page carries the pending handshake")
	pending := string(match[1])

	resp = postForm(t, b.URL+peace.RESTNamespace+"/login", url.Values{
		"username": {testAdmin},
		"password": {"wrong"},
		"pending":  {pending},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp = postForm(t, b.URL+peace.RESTNamespace+"/login", url.Values{
		"username": {testAdmin},
		"password": {testPassword},
		"pending":  {pending},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.NotNil(t, sessionCookie(resp))
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "s1", location.Query().Get(peace.ParamFederatedState))
	assert.NotEmpty(t, location.Query().Get(peace.ParamAuthorizationCode))

	// The pending handshake is single use.
	resp = postForm(t, b.URL+peace.RESTNamespace+"/login", url.Values{
		"username": {testAdmin},
		"password": {testPassword},
		"pending":  {pending},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshake_SavedTokenPages(t *testing.T) {
	t.Parallel()

	b := newTestSite(t)
	active, err := b.svc.Tokens.Active(context.Background())
	require.NoError(t, err)

	// An administrator's landing page saves the active token.
	resp := do(t, http.MethodGet, b.URL+"/", nil, "", b.login(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "localStorage.setItem")
	assert.Contains(t, string(page), active)

	// Anonymous visitors never see it.
	resp = do(t, http.MethodGet, b.URL+"/", nil, "")
	page, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(page), active)

	// The consent page keeps polling for the saved token.
	resp = do(t, http.MethodGet, getTokenURL(b.URL, "https://a.example", "s1"), nil, "")
	page, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "window.setTimeout(tryToken,")
	assert.Regexp(t, `attempts <\s*30\s*\)`, string(page))
	assert.NotContains(t, string(page), active)
}

func TestProtocol_ErrorEnvelopes(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)

	t.Run("rest", func(t *testing.T) {
		t.Parallel()
		resp := postJSON(t, site.URL+peace.RESTNamespace+peace.FederatedExchangeRoute, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, "missing_parameter", body["code"])
		assert.NotEmpty(t, body["message"])
		assert.Equal(t, map[string]any{"status": float64(http.StatusBadRequest)}, body["data"])
	})

	t.Run("rest under wp-json prefix", func(t *testing.T) {
		t.Parallel()
		resp := postJSON(t, site.URL+peace.WPJSONPrefix+peace.RESTNamespace+peace.ReceiveRoute,
			map[string]string{"token": "bogus", "message": "hi"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "invalid_token", decodeBody(t, resp)["code"])
	})

	t.Run("form", func(t *testing.T) {
		t.Parallel()
		resp := postForm(t, site.URL+peace.AjaxPath, url.Values{
			"action": {peace.ActionFederatedExchange},
			"code":   {"nope"},
			"site":   {"https://other.example"},
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, false, body["success"])
		data, ok := body["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "invalid_code", data["code"])
	})

	t.Run("form unknown action", func(t *testing.T) {
		t.Parallel()
		resp := postForm(t, site.URL+peace.AjaxPath, url.Values{"action": {"peace_protocol_nothing"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, false, decodeBody(t, resp)["success"])
	})

	t.Run("form receive with local token", func(t *testing.T) {
		t.Parallel()
		token, err := site.svc.Tokens.Active(context.Background())
		require.NoError(t, err)
		resp := postForm(t, site.URL+peace.AjaxPath, url.Values{
			"action": {peace.ActionReceivePeace},
			"token":  {token},
			"note":   {"hi"},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, decodeBody(t, resp)["success"])
	})
}

func TestProtocol_CORSPreflightBeforeBanCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	site := newTestSite(t)
	user, err := site.svc.Sessions.EnsureFederatedUser(ctx, "https://peer.example")
	require.NoError(t, err)
	sess, err := site.svc.Sessions.Create(ctx, user.Principal())
	require.NoError(t, err)
	require.NoError(t, site.svc.Bans.Ban(ctx, user.ID, "spam"))
	cookie := &http.Cookie{Name: session.CookieName, Value: sess.ID}

	resp := do(t, http.MethodOptions, site.URL+peace.RESTNamespace+peace.SendPeaceRoute, nil, "", cookie)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = postJSON(t, site.URL+peace.RESTNamespace+peace.SendPeaceRoute, map[string]string{}, cookie)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "banned_user", decodeBody(t, resp)["code"])

	resp = postForm(t, site.URL+peace.AjaxPath, url.Values{"action": {peace.ActionSendPeace}}, cookie)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdmin_Routes(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)

	resp := do(t, http.MethodGet, site.URL+"/admin/tokens", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := site.login(t)
	resp = postJSON(t, site.URL+"/admin/tokens", nil, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	before, err := site.svc.Tokens.Active(context.Background())
	require.NoError(t, err)
	resp = do(t, http.MethodGet, site.URL+"/admin/tokens", nil, "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens, ok := decodeBody(t, resp)["tokens"].([]any)
	require.True(t, ok)
	assert.Len(t, tokens, 2)
	after, err := site.svc.Tokens.Active(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "listing the tokens rotates them")

	resp = do(t, http.MethodPut, site.URL+"/admin/bans/"+session.AdminID, strings.NewReader(`{}`), "application/json", admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, site.URL+"/admin/codes", map[string]string{"remote_site": "https://peer.example"}, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, decodeBody(t, resp)["code"])

	resp = postJSON(t, site.URL+"/admin/send", map[string]string{
		"target_site": "https://unknown.example",
		"message":     "hi",
	}, admin)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postJSON(t, site.URL+"/admin/sweep", nil, admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, site.URL+peace.RESTNamespace+"/logout", nil, admin)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, site.URL+"/admin/peace-log", nil, "", admin)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_Infrastructure(t *testing.T) {
	t.Parallel()

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		site := newTestSite(t)
		resp := do(t, http.MethodGet, site.URL+"/healthz", nil, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("metrics disabled", func(t *testing.T) {
		t.Parallel()
		site := newTestSite(t)
		resp := do(t, http.MethodGet, site.URL+"/metrics", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("metrics enabled", func(t *testing.T) {
		t.Parallel()
		site := newTestSite(t, func(o *Options) {
			o.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("# metrics\n"))
			})
		})
		resp := do(t, http.MethodGet, site.URL+"/metrics", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		site := newTestSite(t, func(o *Options) {
			o.RateLimiter = v1.NewRateLimiter(0.001, 1)
		})
		resp := do(t, http.MethodGet, site.URL+"/", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp = do(t, http.MethodGet, site.URL+"/", nil, "")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "rate_limited", decodeBody(t, resp)["code"])

		// Health checks are not limited.
		resp = do(t, http.MethodGet, site.URL+"/healthz", nil, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestOptions_SweepInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "unset sweeps at most hourly", want: time.Hour},
		{name: "negative falls back to hourly", in: -time.Second, want: time.Hour},
		{name: "configured value kept", in: 10 * time.Minute, want: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := Options{SweepInterval: tt.in}
			opts.applyDefaults()
			assert.Equal(t, tt.want, opts.SweepInterval)
		})
	}
}
