// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// HTTPError is a peer response outside the 2xx range.
type HTTPError struct {
	StatusCode int
	URL        string

	// Body holds at most DefaultErrorPreviewSize bytes of the response.
	Body string
}

func (e *HTTPError) Error() string {
	if code := e.PeerCode(); code != "" {
		return fmt.Sprintf("peer %s answered %d (%s)", e.URL, e.StatusCode, code)
	}
	return fmt.Sprintf("peer %s answered %d", e.URL, e.StatusCode)
}

// PeerCode returns the machine-readable error code a peer put in its body.
// Both the REST envelope {"code": ...} and the form envelope
// {"success": false, "data": {"code": ...}} are understood. It returns ""
// when the body carries neither.
func (e *HTTPError) PeerCode() string {
	for _, path := range []string{"code", "data.code"} {
		if v := gjson.Get(e.Body, path); v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, url, body string) error {
	return &HTTPError{StatusCode: statusCode, URL: url, Body: body}
}

// PeerCodeOf returns the peer error code carried by err, or "" when err is
// not an *HTTPError or names no code.
func PeerCodeOf(err error) string {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return ""
	}
	return httpErr.PeerCode()
}

// IsHTTPError reports whether err is an *HTTPError with statusCode. A zero
// statusCode matches any status.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}
