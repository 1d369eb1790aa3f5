// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName is the name of this instrumentation package
const instrumentationName = "github.com/stacklok/peace-protocol/pkg/telemetry"

// Outcome labels shared by the protocol counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the protocol instruments.
type Metrics struct {
	codesIssued     metric.Int64Counter
	codesRedeemed   metric.Int64Counter
	tokensMinted    metric.Int64Counter
	deliveries      metric.Int64Counter
	received        metric.Int64Counter
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewMetrics registers the protocol instruments on meterProvider.
func NewMetrics(meterProvider metric.MeterProvider) *Metrics {
	meter := meterProvider.Meter(instrumentationName)

	// The exporter adds the _total suffix automatically
	codesIssued, _ := meter.Int64Counter(
		"peace_codes_issued",
		metric.WithDescription("Number of one-time codes issued"),
	)
	codesRedeemed, _ := meter.Int64Counter(
		"peace_codes_redeemed",
		metric.WithDescription("Number of one-time code redemption attempts"),
	)
	tokensMinted, _ := meter.Int64Counter(
		"peace_tokens_minted",
		metric.WithDescription("Number of federation tokens minted by code exchange"),
	)
	deliveries, _ := meter.Int64Counter(
		"peace_deliveries",
		metric.WithDescription("Number of outbound peace delivery attempts"),
	)
	received, _ := meter.Int64Counter(
		"peace_received",
		metric.WithDescription("Number of inbound peace messages"),
	)
	requestCounter, _ := meter.Int64Counter(
		"peace_http_requests",
		metric.WithDescription("Total number of HTTP requests"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"peace_http_request_duration", // The exporter adds the _seconds suffix automatically
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)

	return &Metrics{
		codesIssued:     codesIssued,
		codesRedeemed:   codesRedeemed,
		tokensMinted:    tokensMinted,
		deliveries:      deliveries,
		received:        received,
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
	}
}

// RecordCodeIssued counts a code issued by registry kind.
func (m *Metrics) RecordCodeIssued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCodeRedeemed counts a redemption attempt and its result.
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.codesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordTokenMinted counts a token minted for a peer.
func (m *Metrics) RecordTokenMinted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tokensMinted.Add(ctx, 1)
}

// RecordDelivery counts an outbound delivery attempt on a transport.
func (m *Metrics) RecordDelivery(ctx context.Context, transport, result string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("result", result),
	))
}

// RecordReceived counts an inbound message and its result.
func (m *Metrics) RecordReceived(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Middleware records request counts and durations by route pattern and status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.String("status", strconv.Itoa(status)),
		)
		m.requestCounter.Add(r.Context(), 1, attrs)
		m.requestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}
