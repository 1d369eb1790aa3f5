// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP server of peaced.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	v1 "github.com/stacklok/peace-protocol/pkg/api/v1"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout  = 60 * time.Second
	readHeaderTimeout  = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
	maxRequestBodySize = 1 << 20

	// DefaultSweepInterval is the minimum time between request-driven sweeps.
	DefaultSweepInterval = time.Hour
)

// Options configures the router.
type Options struct {
	Services *v1.Services
	Store    kv.Store
	Metrics  *telemetry.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// RateLimiter throttles the protocol routes. Nil disables limiting.
	RateLimiter *v1.RateLimiter

	// SweepInterval is the minimum time between request-driven sweeps.
	// Zero uses DefaultSweepInterval.
	SweepInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

// NewRouter builds the HTTP handler serving every route of the daemon.
func NewRouter(opts Options) http.Handler {
	opts.applyDefaults()
	svc := opts.Services

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		opts.Metrics.Middleware,
		requestBodySizeLimitMiddleware(maxRequestBodySize),
	)

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if opts.MetricsHandler == nil {
			http.NotFound(w, req)
			return
		}
		opts.MetricsHandler.ServeHTTP(w, req)
	})
	r.Mount("/healthz", v1.HealthcheckRouter(opts.Store))

	r.Group(func(r chi.Router) {
		r.Use(
			opts.RateLimiter.Middleware,
			v1.SweepMiddleware(opts.SweepInterval, func(ctx context.Context) error {
				_, err := svc.Orchestrator.Sweep(ctx)
				return err
			}),
			v1.SessionMiddleware(svc.Sessions),
		)

		protocol := v1.ProtocolRouter(svc)
		r.Mount(peace.RESTNamespace, protocol)
		r.Mount(peace.WPJSONPrefix+peace.RESTNamespace, protocol)
		r.Mount(peace.AjaxPath, v1.AjaxRouter(svc))
		r.Mount("/admin", v1.AdminRouter(svc))
		r.Mount("/", v1.BrowserRouter(svc))
	})

	return r
}

// Serve serves handler on address until ctx is cancelled, then shuts the
// server down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ServeListener(ctx, listener, handler)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("starting HTTP server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infow("HTTP server stopped")
		return nil
	})
	return g.Wait()
}

// requestBodySizeLimitMiddleware rejects request bodies larger than
// maxSize. Declared lengths are checked up front. Anything else is cut off by
// http.MaxBytesReader, and a 400 answered to an oversized body becomes 413.
func requestBodySizeLimitMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxSize)}
			r.Body = body
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, body: body}, r)
		})
	}
}

type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded = true
	}
	return n, err
}

type bodySizeResponseWriter struct {
	http.ResponseWriter
	body *limitedBody
}

func (w *bodySizeResponseWriter) WriteHeader(code int) {
	if code == http.StatusBadRequest {
		// A decoder may fail on the content before reaching the limit.
		_, _ = io.Copy(io.Discard, w.body)
		if w.body.exceeded {
			code = http.StatusRequestEntityTooLarge
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *bodySizeResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
