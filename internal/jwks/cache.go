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

package jwks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// CacheConfig bounds a CachedProvider.
type CacheConfig struct {
	Size       int           // maximum number of keys held
	TTL        time.Duration // lifetime of a cached key
	BucketSize int           // fetches allowed per Window
	Window     time.Duration
}

// DefaultCacheConfig returns the limits used when none are configured.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:       10,
		TTL:        24 * time.Hour,
		BucketSize: 10,
		Window:     time.Minute,
	}
}

// CachedProvider resolves keys from a remote JWKS endpoint, caching them by
// kid. Cache misses trigger a fetch; concurrent misses share one request and
// fetches are rate limited so a stream of tokens with unknown key ids cannot
// hammer the issuer.
type CachedProvider struct {
	uri     string
	client  *http.Client
	cfg     CacheConfig
	cache   *gocache.Cache
	mu      sync.Mutex // guards capacity enforcement
	limiter *rate.Limiter
	group   singleflight.Group
	fetches metric.Int64Counter
}

// NewCachedProvider creates a provider for the JWKS published at uri.
func NewCachedProvider(uri string, client *http.Client, cfg CacheConfig) *CachedProvider {
	def := DefaultCacheConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = def.BucketSize
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	fetches, err := otel.Meter("github.com/opentrusty/tokenx/internal/jwks").Int64Counter(
		"tokenx.jwks.fetches",
		metric.WithDescription("Number of remote JWKS fetches"),
	)
	if err != nil {
		slog.Warn("failed to create JWKS fetch counter", logger.Component("jwks"), logger.Error(err))
	}

	return &CachedProvider{
		uri:     uri,
		client:  client,
		cfg:     cfg,
		cache:   gocache.New(cfg.TTL, 2*cfg.TTL),
		limiter: rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.BucketSize)), cfg.BucketSize),
		fetches: fetches,
	}
}

// URI returns the JWKS endpoint backing this provider.
func (p *CachedProvider) URI() string {
	return p.uri
}

// Key implements Provider.
func (p *CachedProvider) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	if kid == "" {
		return nil, ErrKeyNotFound
	}
	if v, ok := p.cache.Get(kid); ok {
		return v.(*jose.JSONWebKey), nil
	}

	// The shared fetch is detached from the first caller's cancellation; the
	// HTTP client timeout bounds it. Each caller stops waiting on its own ctx.
	fetchCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(p.uri, func() (any, error) {
		if !p.limiter.Allow() {
			p.record(fetchCtx, "rate_limited")
			return nil, ErrRateLimited
		}
		set, err := FetchKeySet(fetchCtx, p.client, p.uri)
		if err != nil {
			p.record(fetchCtx, "error")
			return nil, err
		}
		p.record(fetchCtx, "success")
		for i := range set.Keys {
			p.store(&set.Keys[i])
		}
		return set, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
	}
	if res.Err != nil {
		if errors.Is(res.Err, ErrRateLimited) {
			slog.WarnContext(ctx, "JWKS fetch rate limit reached",
				logger.Component("jwks"),
				logger.String("jwks_uri", p.uri),
				logger.KeyID(kid),
			)
		}
		return nil, res.Err
	}

	return lookup(res.Val.(jose.JSONWebKeySet), kid)
}

// Len returns the number of cached keys.
func (p *CachedProvider) Len() int {
	return p.cache.ItemCount()
}

func (p *CachedProvider) store(key *jose.JSONWebKey) {
	if key.KeyID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cache.Get(key.KeyID); !ok {
		p.cache.DeleteExpired()
		for p.cache.ItemCount() >= p.cfg.Size && p.evictOldest() {
		}
	}
	p.cache.SetDefault(key.KeyID, key)
}

// evictOldest removes the entry closest to expiry, which is the one cached
// first since all entries share the same TTL.
func (p *CachedProvider) evictOldest() bool {
	var (
		oldest string
		exp    int64
	)
	for k, item := range p.cache.Items() {
		if oldest == "" || item.Expiration < exp {
			oldest, exp = k, item.Expiration
		}
	}
	if oldest == "" {
		return false
	}
	p.cache.Delete(oldest)
	return true
}

func (p *CachedProvider) record(ctx context.Context, result string) {
	if p.fetches == nil {
		return
	}
	p.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("jwks_uri", p.uri),
		attribute.String("result", result),
	))
}
