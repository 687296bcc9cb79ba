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

package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// ErrDiscovery is returned when a provider's metadata cannot be obtained.
var ErrDiscovery = errors.New("provider discovery failed")

// ProviderMetadata is the subset of a provider's discovery document
// needed to verify its tokens.
type ProviderMetadata struct {
	Issuer        string `json:"issuer"`
	JWKSURI       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint,omitempty"`
}

type discoverConfig struct {
	maxTries        uint
	initialInterval time.Duration
}

// DiscoverOption configures Discover.
type DiscoverOption func(*discoverConfig)

// WithMaxTries bounds the number of attempts, including the first.
func WithMaxTries(n uint) DiscoverOption {
	return func(c *discoverConfig) { c.maxTries = n }
}

// WithInitialInterval sets the delay before the first retry.
func WithInitialInterval(d time.Duration) DiscoverOption {
	return func(c *discoverConfig) { c.initialInterval = d }
}

// Discover fetches the discovery document at wellKnownURL. Network errors and
// 5xx responses are retried with exponential backoff; 4xx responses and
// incomplete documents fail immediately.
func Discover(ctx context.Context, client *http.Client, wellKnownURL string, opts ...DiscoverOption) (*ProviderMetadata, error) {
	cfg := discoverConfig{maxTries: 5, initialInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.initialInterval
	expBackoff.MaxInterval = 20 * cfg.initialInterval
	expBackoff.Reset()

	md, err := backoff.Retry(ctx, func() (*ProviderMetadata, error) {
		return fetchMetadata(ctx, client, wellKnownURL)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(cfg.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.WarnContext(ctx, "provider discovery failed, retrying",
				logger.Component("oidc"),
				logger.String("well_known_url", wellKnownURL),
				logger.String("retry_in", d.String()),
				logger.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, wellKnownURL, err)
	}
	return md, nil
}

func fetchMetadata(ctx context.Context, client *http.Client, wellKnownURL string) (*ProviderMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}

	var md ProviderMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid discovery document: %w", err))
	}
	if md.Issuer == "" || md.JWKSURI == "" {
		return nil, backoff.Permanent(errors.New("discovery document lacks issuer or jwks_uri"))
	}
	return &md, nil
}
