// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/peace"
)

func newIssuer(t *testing.T, rest, form http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var formCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(peace.WPJSONPrefix+peace.RESTNamespace+peace.FederatedExchangeRoute, rest)
	mux.HandleFunc(peace.AjaxPath, func(w http.ResponseWriter, r *http.Request) {
		formCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("action") != peace.ActionFederatedExchange || r.PostForm.Get("site") != "https://b.example" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		form(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &formCalls
}

func TestPeerClient_Exchange(t *testing.T) {
	t.Parallel()

	restToken := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, ExchangeResponse{Success: true, Token: "rest-token"})
	}
	restInvalid := func(w http.ResponseWriter, _ *http.Request) {
		writeTestError(w, peaceerrors.NewInvalidCodeError("invalid code", nil))
	}
	restMissing := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusNotFound, map[string]string{"code": "rest_no_route"})
	}
	restOversized := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"token":"` + strings.Repeat("x", peace.MaxPeerResponseSize) + `"}`))
	}
	formToken := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]string{"token": "form-token"}})
	}
	formInvalid := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"success": false, "data": map[string]string{"code": "invalid_code", "message": "Invalid code"},
		})
	}
	formForbidden := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusForbidden, map[string]any{
			"success": false, "data": map[string]string{"code": "invalid_code", "message": "Invalid code"},
		})
	}
	formBroken := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	tests := []struct {
		name      string
		rest      http.HandlerFunc
		form      http.HandlerFunc
		wantToken string
		wantErr   func(error) bool
		formCalls int32
	}{
		{name: "REST succeeds", rest: restToken, form: formToken, wantToken: "rest-token"},
		{name: "REST rejects code", rest: restInvalid, form: formToken, wantErr: peaceerrors.IsInvalidCode},
		{name: "oversized REST body falls back", rest: restOversized, form: formToken, wantToken: "form-token", formCalls: 1},
		{name: "form fallback", rest: restMissing, form: formToken, wantToken: "form-token", formCalls: 1},
		{name: "form rejects code", rest: restMissing, form: formInvalid, wantErr: peaceerrors.IsInvalidCode, formCalls: 1},
		{name: "form rejects code with 403", rest: restMissing, form: formForbidden, wantErr: peaceerrors.IsInvalidCode, formCalls: 1},
		{name: "both unavailable", rest: restMissing, form: formBroken, wantErr: peaceerrors.IsUpstreamUnreachable, formCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, formCalls := newIssuer(t, tt.rest, tt.form)

			token, err := NewPeerClient(server.Client(), 0).Exchange(context.Background(), server.URL, "c", "https://b.example")
			if tt.wantErr != nil {
				assert.True(t, tt.wantErr(err), "got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
			assert.Equal(t, tt.formCalls, formCalls.Load())
		})
	}
}

func TestPeerClient_ValidateAuthorization(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(peace.WPJSONPrefix+peace.RESTNamespace+peace.ValidateAuthorizationRoute,
		func(w http.ResponseWriter, r *http.Request) {
			var req ValidateAuthorizationRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.AuthorizationCode != "good" {
				writeTestError(w, peaceerrors.NewInvalidCodeError("invalid code", nil))
				return
			}
			writeTestJSON(w, http.StatusOK, ValidateAuthorizationResponse{Valid: true, SiteURL: "https://a.example"})
		})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewPeerClient(server.Client(), 0)

	site, err := client.ValidateAuthorization(context.Background(), server.URL, "good")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", site)

	_, err = client.ValidateAuthorization(context.Background(), server.URL, "bad")
	assert.True(t, peaceerrors.IsInvalidCode(err))

	server.Close()
	_, err = client.ValidateAuthorization(context.Background(), server.URL, "good")
	assert.True(t, peaceerrors.IsUpstreamUnreachable(err))
}
