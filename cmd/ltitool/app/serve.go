// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/server"
	"github.com/stacklok/ltitool/pkg/telemetry"
)

const keyPruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the LTI tool server",
		Long: `Start the LTI tool server.

The server reads the configuration file given by --config, opens the configured
storage backend and serves the login, launch, JWKS, registration, health and
metrics routes until it receives SIGINT or SIGTERM.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on, overriding server.address")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warnw("failed to shut down telemetry", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	s, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	handler := server.NewHandler(cfg.HandlerConfig(), server.Components{
		Login:     s.login,
		Launch:    s.launch,
		Keys:      s.keys,
		Registrar: s.registrar,
	},
		server.WithMetrics(metrics, provider.PrometheusHandler()),
		server.WithHealthCheck(s.healthCheck),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           otelhttp.NewHandler(handler.Routes(), "ltitool"),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go s.pruneKeys(ctx, keyPruneInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting LTI tool server", "address", cfg.Server.Address, "storage", string(cfg.Storage.Type))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down LTI tool server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// pruneKeys deletes retired tool keys past their grace window, for
// backends where expiry alone does not reclaim them.
func (s *services) pruneKeys(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.keys.PruneRetired(ctx)
			if err != nil {
				logger.Warnw("failed to prune retired keys", "error", err)
				continue
			}
			if n > 0 {
				logger.Infow("pruned retired keys", "count", n)
			}
		}
	}
}
