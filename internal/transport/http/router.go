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

package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/opentrusty/tokenx/internal/auth"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"github.com/opentrusty/tokenx/internal/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// KeySet publishes the server's signing keys.
type KeySet interface {
	PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error)
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	tokens   *oauth2.Service
	keys     KeySet
	metadata oidc.Metadata
	bearer   *auth.BearerVerifier
	metrics  http.Handler
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRegistrationAuth mounts the client registration API behind b.
func WithRegistrationAuth(b *auth.BearerVerifier) HandlerOption {
	return func(h *Handler) { h.bearer = b }
}

// WithMetricsHandler serves metrics at /internal/metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new HTTP handler
func NewHandler(tokens *oauth2.Service, keys KeySet, metadata oidc.Metadata, opts ...HandlerOption) *Handler {
	h := &Handler{
		tokens:   tokens,
		keys:     keys,
		metadata: metadata,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bearer == nil {
		h.metadata.RegistrationEndpoint = ""
	}
	return h
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Probes and metrics
	r.Get("/internal/isalive", h.IsAlive)
	r.Get("/internal/isready", h.IsReady)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/internal/metrics", h.metrics)
	}

	// RFC 8414 Section 3 and OIDC Discovery Section 4
	r.Get("/.well-known/oauth-authorization-server", h.Metadata)
	r.Get("/.well-known/openid-configuration", h.Metadata)
	r.Get(oidc.PathJWKS, h.JWKS)

	// RFC 8693 Section 2.1
	r.Post(oidc.PathToken, h.Token)

	if h.bearer != nil {
		r.Route(oidc.PathRegistration, func(r chi.Router) {
			r.Use(BearerAuthMiddleware(h.bearer))
			r.Post("/", h.RegisterClient)
			r.Get("/", h.ListClients)
			r.Get("/{clientID}", h.GetClient)
			r.Delete("/{clientID}", h.DeleteClient)
		})
	}

	return r
}

// IsAlive reports that the process is serving requests.
func (h *Handler) IsAlive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// IsReady reports whether the key store can be read.
func (h *Handler) IsReady(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "readiness check failed", logger.Error(err))
		respondError(w, http.StatusServiceUnavailable, "key store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
