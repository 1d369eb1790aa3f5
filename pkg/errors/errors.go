// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the federation protocol
// components and the wire codes and HTTP statuses each type maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types. The string values double as the wire codes returned to peers.
const (
	// ErrInvalidToken is returned when a presented bearer token does not validate
	ErrInvalidToken = "invalid_token"

	// ErrInvalidCode is returned when an authorization or exchange code is
	// unknown, expired or already used. The distinction is kept in Cause.
	ErrInvalidCode = "invalid_code"

	// ErrUnauthorized is returned when the caller is neither an administrator
	// nor holds a valid token
	ErrUnauthorized = "unauthorized"

	// ErrBannedUser is returned when the acting principal is banned
	ErrBannedUser = "banned_user"

	// ErrMissingParameter is returned when a required request parameter is absent
	ErrMissingParameter = "missing_parameter"

	// ErrUpstreamUnreachable is returned when a peer site could not be reached
	ErrUpstreamUnreachable = "upstream_unreachable"

	// ErrPersistError is returned when the backing store fails a read or write
	ErrPersistError = "persist_error"

	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(ErrInvalidToken, message, cause)
}

// NewInvalidCodeError creates a new invalid code error
func NewInvalidCodeError(message string, cause error) *Error {
	return NewError(ErrInvalidCode, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewBannedUserError creates a new banned user error
func NewBannedUserError(message string, cause error) *Error {
	return NewError(ErrBannedUser, message, cause)
}

// NewMissingParameterError creates a new missing parameter error naming the parameter
func NewMissingParameterError(param string) *Error {
	return NewError(ErrMissingParameter, fmt.Sprintf("missing parameter: %s", param), nil)
}

// NewUpstreamUnreachableError creates a new upstream unreachable error
func NewUpstreamUnreachableError(message string, cause error) *Error {
	return NewError(ErrUpstreamUnreachable, message, cause)
}

// NewPersistError creates a new persist error
func NewPersistError(message string, cause error) *Error {
	return NewError(ErrPersistError, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// typeOf returns the type of the outermost *Error in err's chain, or "".
func typeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsInvalidToken checks if the error is an invalid token error
func IsInvalidToken(err error) bool {
	return typeOf(err) == ErrInvalidToken
}

// IsInvalidCode checks if the error is an invalid code error
func IsInvalidCode(err error) bool {
	return typeOf(err) == ErrInvalidCode
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return typeOf(err) == ErrUnauthorized
}

// IsBannedUser checks if the error is a banned user error
func IsBannedUser(err error) bool {
	return typeOf(err) == ErrBannedUser
}

// IsMissingParameter checks if the error is a missing parameter error
func IsMissingParameter(err error) bool {
	return typeOf(err) == ErrMissingParameter
}

// IsUpstreamUnreachable checks if the error is an upstream unreachable error
func IsUpstreamUnreachable(err error) bool {
	return typeOf(err) == ErrUpstreamUnreachable
}

// IsPersistError checks if the error is a persist error
func IsPersistError(err error) bool {
	return typeOf(err) == ErrPersistError
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return typeOf(err) == ErrInvalidArgument
}

// Code returns the wire code for err. Errors outside the taxonomy are internal.
func Code(err error) string {
	if t := typeOf(err); t != "" {
		return t
	}
	return ErrInternal
}

// HTTPStatus returns the HTTP status code a transport should answer with for err.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrInvalidToken, ErrInvalidCode, ErrBannedUser:
		return http.StatusForbidden
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrMissingParameter, ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrUpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that is safe to show to a peer. Causes
// are never included because they carry internal distinctions.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
