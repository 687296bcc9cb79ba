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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
)

const maxRegistrationBody = 1 << 20

// RegisterClient registers or replaces a client from its software statement
// and public keys (RFC 7591 Section 3).
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req oauth2.ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.respondOAuthError(w, r, oauth2.WrapError(oauth2.ErrCodeInvalidClientMetadata, "invalid request body", err))
		return
	}

	reg, err := h.tokens.RegisterClient(r.Context(), GetPrincipal(r.Context()).Subject, &req)
	if err != nil {
		h.respondOAuthError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, reg)
}

// ListClients returns every registered client.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.tokens.ListClients(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list clients", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	respondJSON(w, http.StatusOK, clients)
}

// GetClient returns a single registered client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookupClient(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// DeleteClient removes a registered client. Deleting an unknown client
// succeeds.
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := h.tokens.DeleteClient(r.Context(), GetPrincipal(r.Context()).Subject, clientID); err != nil {
		slog.ErrorContext(r.Context(), "failed to delete client", logger.ClientID(clientID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookupClient(w http.ResponseWriter, r *http.Request) (*oauth2.Client, bool) {
	clientID := chi.URLParam(r, "clientID")
	client, err := h.tokens.GetClient(r.Context(), clientID)
	switch {
	case errors.Is(err, oauth2.ErrClientNotFound):
		respondError(w, http.StatusNotFound, "client not found")
		return nil, false
	case err != nil:
		slog.ErrorContext(r.Context(), "failed to load client", logger.ClientID(clientID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load client")
		return nil, false
	}
	return client, true
}
