// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/kv/mocks"
)

func TestGetHealthcheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		getErr     error
		wantStatus int
	}{
		{"store readable", nil, http.StatusNoContent},
		{"empty store", kv.ErrNotFound, http.StatusNoContent},
		{"store unavailable", errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			store := mocks.NewMockStore(ctrl)
			store.EXPECT().Get(gomock.Any(), healthKey).Return([]byte(`[]`), tt.getErr)

			rec := httptest.NewRecorder()
			HealthcheckRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
