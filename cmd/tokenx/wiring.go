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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/auth"
	"github.com/opentrusty/tokenx/internal/config"
	"github.com/opentrusty/tokenx/internal/jwks"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"github.com/opentrusty/tokenx/internal/oidc"
	"github.com/opentrusty/tokenx/internal/store/memory"
	"github.com/opentrusty/tokenx/internal/store/postgres"
	"github.com/opentrusty/tokenx/internal/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backend holds the repositories of the configured key store driver.
type backend struct {
	keys    keys.Repository
	clients oauth2.ClientRepository
	db      *postgres.DB
	close   func()
}

func newSealer(cfg config.KeyStoreConfig) (keys.Sealer, error) {
	if cfg.EncryptionPassphrase == "" {
		slog.Warn("KEY_ENCRYPTION_PASSPHRASE is not set; signing keys are stored unencrypted",
			logger.Component("keystore"))
		return keys.PlainSealer{}, nil
	}
	sealer, err := keys.NewAESSealer(cfg.EncryptionPassphrase, cfg.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	return sealer, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*postgres.DB, error) {
	db, err := postgres.New(ctx, postgres.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		User:           cfg.User,
		Password:       cfg.Password,
		Database:       cfg.Database,
		SSLMode:        cfg.SSLMode,
		MaxOpenConns:   cfg.MaxOpenConns,
		MaxIdleConns:   cfg.MaxIdleConns,
		ConnectRetries: uint(max(cfg.ConnectRetries, 0)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	sealer, err := newSealer(cfg.KeyStore)
	if err != nil {
		return nil, err
	}

	switch cfg.KeyStore.Driver {
	case config.DriverPostgres:
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return &backend{
			keys:    postgres.NewKeyRepository(db, sealer),
			clients: postgres.NewClientRepository(db),
			db:      db,
			close:   db.Close,
		}, nil

	case config.DriverRedis:
		repo, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, sealer)
		if err != nil {
			return nil, err
		}
		return &backend{
			keys:    repo,
			clients: redis.NewClientRepository(repo.Client(), cfg.Redis.KeyPrefix),
			close:   func() { _ = repo.Close() },
		}, nil

	case config.DriverMemory:
		slog.Warn("using in-memory key store; keys and clients are lost on restart",
			logger.Component("keystore"))
		return &backend{
			keys:    memory.NewKeyRepository(),
			clients: memory.NewClientRepository(),
			close:   func() {},
		}, nil
	}

	return nil, fmt.Errorf("unknown key store driver %q", cfg.KeyStore.Driver)
}

func newFetchClient(cfg config.JWKSConfig) *http.Client {
	return &http.Client{
		Timeout:   cfg.FetchTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// trustedVerifier resolves an issuer, through discovery when only a
// well-known URL is configured, and verifies its tokens against its JWKS.
func trustedVerifier(ctx context.Context, client *http.Client, cfg config.JWKSConfig, ic config.IssuerConfig) (*jwks.Verifier, error) {
	issuer, jwksURI := ic.Issuer, ic.JWKSURI
	if issuer == "" || jwksURI == "" {
		md, err := oidc.Discover(ctx, client, ic.WellKnownURL)
		if err != nil {
			return nil, err
		}
		issuer, jwksURI = md.Issuer, md.JWKSURI
	}

	slog.InfoContext(ctx, "trusting issuer",
		logger.Issuer(issuer),
		logger.String("jwks_uri", jwksURI),
	)
	provider := jwks.NewCachedProvider(jwksURI, client, jwks.CacheConfig{
		Size:       cfg.CacheSize,
		TTL:        cfg.CacheTTL,
		BucketSize: cfg.RateLimitBucket,
		Window:     cfg.RateLimitWindow,
	})
	return jwks.NewVerifier(issuer, provider), nil
}

func subjectVerifiers(ctx context.Context, cfg *config.Config, client *http.Client, store *keys.Store) ([]*jwks.Verifier, error) {
	verifiers := []*jwks.Verifier{
		jwks.NewVerifier(cfg.Token.IssuerURL, jwks.KeySetFunc(store.PublicKeySet)),
	}
	var errs []error
	for _, ic := range cfg.Token.SubjectTokenIssuers {
		v, err := trustedVerifier(ctx, client, cfg.JWKS, ic)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		verifiers = append(verifiers, v)
	}
	return verifiers, errors.Join(errs...)
}

func registrationAuth(ctx context.Context, cfg *config.Config, client *http.Client, auditLogger audit.Logger) (*auth.BearerVerifier, error) {
	if !cfg.ClientRegistrationAuth.Configured() {
		slog.WarnContext(ctx, "client registration auth is not configured; registration API disabled")
		return nil, nil
	}
	v, err := trustedVerifier(ctx, client, cfg.JWKS, cfg.ClientRegistrationAuth.IssuerConfig)
	if err != nil {
		return nil, err
	}
	return auth.NewBearerVerifier(v, auth.Config{
		AcceptedAudience: cfg.ClientRegistrationAuth.AcceptedAudience,
		AcceptedRoles:    cfg.ClientRegistrationAuth.AcceptedRoles,
	}, auditLogger), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
