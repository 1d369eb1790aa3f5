// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrInvalidCode,
				Message: "invalid authorization code",
				Cause:   errors.New("code expired"),
			},
			want: "invalid_code: invalid authorization code: code expired",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrInvalidToken,
				Message: "token rejected",
			},
			want: "invalid_token: token rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewPersistError("failed to save", cause)
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))

	assert.Nil(t, NewInternalError("no cause", nil).Unwrap())
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("exchange failed: %w", NewInvalidCodeError("invalid code", nil))

	assert.True(t, IsInvalidCode(wrapped))
	assert.False(t, IsInvalidToken(wrapped))
	assert.Equal(t, ErrInvalidCode, Code(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code string
		want int
	}{
		{"invalid token", NewInvalidTokenError("bad", nil), ErrInvalidToken, http.StatusForbidden},
		{"invalid code", NewInvalidCodeError("bad", nil), ErrInvalidCode, http.StatusForbidden},
		{"banned", NewBannedUserError("banned", nil), ErrBannedUser, http.StatusForbidden},
		{"unauthorized", NewUnauthorizedError("login", nil), ErrUnauthorized, http.StatusUnauthorized},
		{"missing parameter", NewMissingParameterError("code"), ErrMissingParameter, http.StatusBadRequest},
		{"invalid argument", NewInvalidArgumentError("bad url", nil), ErrInvalidArgument, http.StatusBadRequest},
		{"upstream", NewUpstreamUnreachableError("down", nil), ErrUpstreamUnreachable, http.StatusBadGateway},
		{"persist", NewPersistError("disk", nil), ErrPersistError, http.StatusInternalServerError},
		{"foreign error", errors.New("boom"), ErrInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage_OmitsCause(t *testing.T) {
	t.Parallel()

	err := NewInvalidCodeError("invalid authorization code", errors.New("code already used"))
	assert.Equal(t, "invalid authorization code", PublicMessage(err))
	assert.Equal(t, "missing parameter: site", PublicMessage(NewMissingParameterError("site")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("secret detail")))
}
