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

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opentrusty/tokenx/internal/keys"

// Store serves the signing key generation, bootstrapping it on first use and
// rotating it lazily once it expires.
//
// Rotation happens at most once per expiry: concurrent callers in one process
// are serialized by a mutex, and processes sharing a repository race on the
// repository's compare-and-swap, where the loser adopts the winner's record.
type Store struct {
	repo     Repository
	interval time.Duration
	generate Generator
	now      func() time.Time
	audit    audit.Logger

	tracer    trace.Tracer
	rotations metric.Int64Counter

	mu     sync.RWMutex
	cached *KeyGeneration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithGenerator overrides how fresh keys are created.
func WithGenerator(gen Generator) Option {
	return func(s *Store) { s.generate = gen }
}

// WithAuditLogger records initialization and rotation events.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Store) { s.audit = l }
}

// NewStore creates a key store rotating every interval.
func NewStore(repo Repository, interval time.Duration, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		interval: interval,
		generate: GenerateRSAKey,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	rotations, err := otel.Meter(instrumentationName).Int64Counter(
		"tokenx.keys.rotations",
		metric.WithDescription("Number of signing key rotations and initializations"),
	)
	if err != nil {
		slog.Warn("failed to create key rotation counter", logger.Component("keystore"), logger.Error(err))
	}
	s.rotations = rotations

	return s
}

// CurrentGeneration returns the valid key generation, creating or rotating
// it as needed.
func (s *Store) CurrentGeneration(ctx context.Context) (*KeyGeneration, error) {
	now := s.now()

	s.mu.RLock()
	gen := s.cached
	s.mu.RUnlock()
	if gen != nil && !gen.Expired(now) {
		return gen, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && !s.cached.Expired(now) {
		return s.cached, nil
	}

	gen, err := s.repo.Load(ctx)
	switch {
	case errors.Is(err, ErrNoKeyGeneration):
		gen, err = s.initialize(ctx, now)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: failed to load keys: %v", ErrKeyStoreUnavailable, err)
	}

	if gen.Expired(now) {
		gen, err = s.rotate(ctx, gen, now)
		if err != nil {
			return nil, err
		}
	}

	s.cached = gen
	return gen, nil
}

// PublicKeySet returns the public keys of the current generation.
func (s *Store) PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	gen, err := s.CurrentGeneration(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return gen.PublicKeySet(), nil
}

// Ping reports whether the backing repository is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.repo.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoKeyGeneration) {
		return fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	return nil
}

func (s *Store) initialize(ctx context.Context, now time.Time) (*KeyGeneration, error) {
	gen, err := NewKeyGeneration(s.generate, now, s.interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}

	applied, err := s.repo.Save(ctx, gen, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to store initial keys: %v", ErrKeyStoreUnavailable, err)
	}
	if !applied {
		return s.reload(ctx)
	}

	slog.WarnContext(ctx, "signing key store was empty, initialized new key generation",
		logger.Component("keystore"),
		logger.KeyID(gen.Current.KeyID()),
		logger.String("expiry", gen.Expiry.Format(time.RFC3339)),
	)
	s.record(ctx, gen, audit.TypeKeyStoreInitialized)
	return gen, nil
}

func (s *Store) rotate(ctx context.Context, gen *KeyGeneration, now time.Time) (*KeyGeneration, error) {
	ctx, span := s.tracer.Start(ctx, "keys.rotate")
	defer span.End()

	fresh, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	next := gen.Rotate(fresh, now, s.interval)

	applied, err := s.repo.Save(ctx, next, gen.Expiry)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to store rotated keys: %v", ErrKeyStoreUnavailable, err)
	}
	if !applied {
		span.SetAttributes(attribute.Bool("keys.rotation_lost", true))
		slog.DebugContext(ctx, "key rotation performed by another instance", logger.Component("keystore"))
		return s.reload(ctx)
	}

	slog.InfoContext(ctx, "rotated signing keys",
		logger.Component("keystore"),
		logger.KeyID(next.Current.KeyID()),
		logger.String("previous_kid", next.Previous.KeyID()),
		logger.String("next_kid", next.Next.KeyID()),
		logger.String("expiry", next.Expiry.Format(time.RFC3339)),
	)
	s.record(ctx, next, audit.TypeKeyRotated)
	return next, nil
}

func (s *Store) reload(ctx context.Context) (*KeyGeneration, error) {
	gen, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reload keys: %v", ErrKeyStoreUnavailable, err)
	}
	return gen, nil
}

func (s *Store) record(ctx context.Context, gen *KeyGeneration, eventType string) {
	if s.rotations != nil {
		s.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
	}
	if s.audit != nil {
		s.audit.Log(ctx, audit.Event{
			Type:     eventType,
			ActorID:  "system",
			Resource: "signing_keys",
			Metadata: map[string]any{
				"current_kid":  gen.Current.KeyID(),
				"previous_kid": gen.Previous.KeyID(),
				"next_kid":     gen.Next.KeyID(),
				"expiry":       gen.Expiry,
			},
		})
	}
}
