// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transmit delivers peace messages to other sites and accepts the
// ones they deliver here.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/networking"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

// DefaultTimeout bounds each delivery attempt.
const DefaultTimeout = 2 * time.Second

// Transport names reported in Delivery and metrics.
const (
	TransportREST = "rest"
	TransportForm = "form"
)

// ReceiveRequest is the REST body of a peace delivery.
type ReceiveRequest struct {
	TargetSite string `json:"target_site"`
	Message    string `json:"message"`
	Token      string `json:"token"`
}

// restReceiveResponse covers both the success body and the REST error body.
type restReceiveResponse struct {
	Message string `json:"message"`
	LogID   int64  `json:"log_id"`
	Code    string `json:"code,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// formResponse is the envelope of every form transport response.
type formResponse[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type formReceiveData struct {
	LogID   int64  `json:"log_id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Delivery describes a successful send.
type Delivery struct {
	Transport string
	LogID     int64
}

// Transmitter sends peace messages with a REST attempt followed by at most one
// form fallback.
type Transmitter struct {
	client  networking.HTTPClient
	timeout time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Transmitter.
type Option func(*Transmitter)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMetrics records delivery attempts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Transmitter) {
		t.metrics = m
	}
}

// NewTransmitter creates a Transmitter sending through client.
func NewTransmitter(client networking.HTTPClient, opts ...Option) *Transmitter {
	t := &Transmitter{
		client:  client,
		timeout: DefaultTimeout,
		logger:  logger.ForComponent("transmit"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send delivers message to targetSite, authenticating as id. id.SiteURL is the
// sending site and id.Token a token the target granted it.
func (t *Transmitter) Send(ctx context.Context, targetSite, message string, id peace.Identity) (Delivery, error) {
	if targetSite == "" {
		return Delivery{}, peaceerrors.NewMissingParameterError("target_site")
	}
	if id.Token == "" {
		return Delivery{}, peaceerrors.NewInvalidTokenError("no token for target site", nil)
	}

	logID, restErr := t.sendREST(ctx, targetSite, message, id)
	t.record(ctx, TransportREST, restErr)
	if restErr == nil {
		return Delivery{Transport: TransportREST, LogID: logID}, nil
	}
	t.logger.Debug("REST delivery failed, falling back to form transport",
		"target", targetSite, "error", restErr)

	logID, formErr := t.sendForm(ctx, targetSite, message, id)
	t.record(ctx, TransportForm, formErr)
	if formErr == nil {
		return Delivery{Transport: TransportForm, LogID: logID}, nil
	}

	t.logger.Warn("peace delivery failed", "target", targetSite, "rest_error", restErr, "form_error", formErr)
	return Delivery{}, peaceerrors.NewUpstreamUnreachableError(
		fmt.Sprintf("could not deliver to %s", peace.NormalizeSite(targetSite)),
		errors.Join(restErr, formErr),
	)
}

func (t *Transmitter) sendREST(ctx context.Context, targetSite, message string, id peace.Identity) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := networking.PostJSON[restReceiveResponse](ctx, t.client,
		peace.RESTEndpoint(targetSite, peace.ReceiveRoute),
		ReceiveRequest{TargetSite: targetSite, Message: message, Token: id.Token},
		networking.WithMaxResponseSize(peace.MaxPeerResponseSize),
	)
	if err != nil {
		return 0, err
	}
	body := result.Data
	if body.Code != "" || (body.Success != nil && !*body.Success) {
		return 0, fmt.Errorf("peer rejected delivery: %s", body.Code)
	}
	return body.LogID, nil
}

func (t *Transmitter) sendForm(ctx context.Context, targetSite, message string, id peace.Identity) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	form := url.Values{
		"action":    {peace.ActionReceivePeace},
		"from_site": {id.SiteURL},
		"token":     {id.Token},
		"note":      {message},
	}
	result, err := networking.FetchJSONWithForm[formResponse[formReceiveData]](ctx, t.client,
		peace.Endpoint(targetSite, peace.AjaxPath), form,
		networking.WithMaxResponseSize(peace.MaxPeerResponseSize))
	if err != nil {
		return 0, err
	}
	if !result.Data.Success {
		return 0, fmt.Errorf("peer rejected delivery: %s", result.Data.Data.Code)
	}
	return result.Data.Data.LogID, nil
}

func (t *Transmitter) record(ctx context.Context, transport string, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	t.metrics.RecordDelivery(ctx, transport, result)
}
