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
	"log/slog"
	"net/http"

	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// Metadata returns the authorization server metadata (RFC 8414).
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	respondJSON(w, http.StatusOK, h.metadata)
}

// JWKS returns the current, previous and next public signing keys (RFC 7517).
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicKeySet(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load public keys", logger.Error(err))
		respondError(w, http.StatusServiceUnavailable, "signing keys unavailable")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, set)
}
