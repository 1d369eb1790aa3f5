// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/peace-protocol/pkg/api"
	v1 "github.com/stacklok/peace-protocol/pkg/api/v1"
	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/telemetry"
	"github.com/stacklok/peace-protocol/pkg/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the peace protocol server",
		Long:  `Starts the peace protocol server and listens for HTTP requests from browsers and peer sites.`,
		Args:  cobra.NoArgs,
		RunE:  serveCmdFunc,
	}

	cmd.Flags().String("site-url", "", "Public base URL of this site (overrides site_url)")
	cmd.Flags().String("listen", "", "Address to listen on (overrides listen_address)")
	cmd.Flags().String("store", "", "Store backend: memory, file, redis or sqlite (overrides store.type)")
	for _, key := range []string{config.KeySiteURL, config.KeyListen, config.KeyStore} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			logger.Errorf("Error binding %s flag: %v", key, err)
		}
	}

	return cmd
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	// Ensure server is shutdown gracefully on Ctrl+C.
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(store)

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           "peaced",
		ServiceVersion:        versions.GetVersionInfo().Version,
		EnablePrometheus:      cfg.Metrics.Enabled,
		IncludeRuntimeMetrics: cfg.Metrics.Enabled,
		OTLPEndpoint:          cfg.Metrics.OTLPEndpoint,
		OTLPInsecure:          cfg.Metrics.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("failed to shut down metrics provider", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics(provider.MeterProvider())

	svc, err := api.NewServices(ctx, cfg, store, api.WithMetrics(metrics))
	if err != nil {
		return err
	}

	// Expired records left by a previous run are dropped before serving.
	if res, err := svc.Orchestrator.Sweep(ctx); err != nil {
		logger.Warnw("startup sweep failed", "error", err)
	} else {
		logger.Debugw("startup sweep finished",
			"authorization_codes", res.AuthorizationCodes,
			"exchange_codes", res.ExchangeCodes,
			"identities", res.Identities,
			"pending", res.Pending)
	}

	handler := api.NewRouter(api.Options{
		Services:       svc,
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: provider.PrometheusHandler(),
		RateLimiter:    v1.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		SweepInterval:  cfg.SweepInterval,
	})

	logger.Infow("serving site", "site_url", cfg.SiteURL, "store", cfg.Store.Type,
		"version", versions.GetVersionInfo().Version)
	return api.Serve(ctx, cfg.ListenAddress, handler)
}
