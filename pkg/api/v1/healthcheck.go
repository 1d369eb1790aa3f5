// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
)

// healthKey is read to check the store. Its absence is healthy.
const healthKey = "peace_tokens"

// HealthcheckRouter sets up healthcheck route.
func HealthcheckRouter(store kv.Store) http.Handler {
	routes := &healthcheckRoutes{store: store}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	store kv.Store
}

func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := pingStore(r.Context(), h.store); err != nil {
		logger.Warnw("health check failed", "error", err)
		// If the store cannot be read, we return a 503 Service Unavailable status.
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pingStore(ctx context.Context, store kv.Store) error {
	_, err := store.Get(ctx, healthKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}
