// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API. The REST
// transport and the form transport report errors with different envelopes.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// RESTError is the error body of the REST transport.
type RESTError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Data    RESTErrorData `json:"data"`
}

// RESTErrorData carries the HTTP status inside a REST error body.
type RESTErrorData struct {
	Status int `json:"status"`
}

// FormResponse is the envelope of every form transport response.
type FormResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// FormErrorData is the data of a failed form response.
type FormErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorHandler wraps a HandlerWithError and writes returned errors with the
// REST envelope.
//
// Usage:
//
//	r.Post("/receive", apierrors.ErrorHandler(routes.receive))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteRESTError(w, r, err)
		}
	}
}

// FormErrorHandler wraps a HandlerWithError and writes returned errors with
// the form envelope.
func FormErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteFormError(w, r, err)
		}
	}
}

// WriteRESTError writes err as a REST error body.
func WriteRESTError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	logError(r, status, err)
	WriteJSON(w, status, RESTError{
		Code:    errors.Code(err),
		Message: errors.PublicMessage(err),
		Data:    RESTErrorData{Status: status},
	})
}

// WriteFormError writes err as a failed form response.
func WriteFormError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	logError(r, status, err)
	WriteJSON(w, status, FormResponse{
		Success: false,
		Data: FormErrorData{
			Code:    errors.Code(err),
			Message: errors.PublicMessage(err),
		},
	})
}

// WriteFormSuccess writes a successful form response carrying data.
func WriteFormSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, FormResponse{Success: true, Data: data})
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func logError(r *http.Request, status int, err error) {
	// 5xx errors carry causes worth a look; 4xx are normal protocol rejections
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "path", r.URL.Path, "status", status, "error", err)
		return
	}
	logger.Debugw("request rejected", "path", r.URL.Path, "status", status, "error", err)
}
