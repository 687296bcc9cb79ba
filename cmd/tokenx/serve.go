// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/config"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"github.com/opentrusty/tokenx/internal/observability/metrics"
	"github.com/opentrusty/tokenx/internal/observability/tracing"
	"github.com/opentrusty/tokenx/internal/oidc"
	"github.com/opentrusty/tokenx/internal/token"
	transportHTTP "github.com/opentrusty/tokenx/internal/transport/http"
	"github.com/spf13/cobra"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving (postgres driver)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	slog.InfoContext(ctx, "starting tokenx", logger.Issuer(cfg.Token.IssuerURL))

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize tracer", logger.Error(err))
		tracer = &tracing.Provider{}
	}

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled:        cfg.Observability.MetricsEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}
	tokenMetrics, err := meter.TokenMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize token metrics: %w", err)
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	if migrate && be.db != nil {
		if err := be.db.Migrate(ctx); err != nil {
			return err
		}
	}

	auditLogger := audit.NewSlogLogger()
	store := keys.NewStore(be.keys, cfg.KeyStore.RotationInterval, keys.WithAuditLogger(auditLogger))
	gen, err := store.CurrentGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	slog.InfoContext(ctx, "signing keys loaded",
		logger.KeyID(gen.Current.KeyID()),
		logger.String("expiry", gen.Expiry.String()),
	)

	fetchClient := newFetchClient(cfg.JWKS)
	verifiers, err := subjectVerifiers(ctx, cfg, fetchClient, store)
	if err != nil {
		return fmt.Errorf("failed to resolve subject token issuers: %w", err)
	}
	bearer, err := registrationAuth(ctx, cfg, fetchClient, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to resolve client registration issuer: %w", err)
	}

	issuer := token.NewIssuer(cfg.Token.IssuerURL, cfg.Token.Lifetime, store, token.NewSubjectTokenVerifier(verifiers...))
	authenticator := oauth2.NewClientAuthenticator(be.clients, []string{
		cfg.Token.IssuerURL,
		cfg.Token.IssuerURL + oidc.PathToken,
	})
	service := oauth2.NewService(be.clients, authenticator, issuer, auditLogger, tokenMetrics)

	opts := []transportHTTP.HandlerOption{}
	if bearer != nil {
		opts = append(opts, transportHTTP.WithRegistrationAuth(bearer))
	}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, transportHTTP.WithMetricsHandler(meter.Handler()))
	}
	handler := transportHTTP.NewHandler(service, store, oidc.NewMetadata(cfg.Token.IssuerURL), opts...)
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      transportHTTP.NewRouter(handler, rateLimiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "starting http server", logger.Component("server"), logger.Operation("listen"), logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	if err := meter.Shutdown(shutdownCtx); err != nil {
		slog.Error("meter shutdown error", logger.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		slog.Error("tracer shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
	return nil
}
