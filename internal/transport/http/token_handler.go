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

	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// Token handles the RFC 8693 token exchange request.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	// RFC 6749 Section 5.1: responses carrying tokens must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, r, oauth2.WrapError(oauth2.ErrInvalidRequest, "malformed form body", err))
		return
	}

	req := &oauth2.TokenExchangeRequest{
		GrantType:           r.PostForm.Get("grant_type"),
		SubjectToken:        r.PostForm.Get("subject_token"),
		SubjectTokenType:    r.PostForm.Get("subject_token_type"),
		Audience:            r.PostForm.Get("audience"),
		Scope:               r.PostForm.Get("scope"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
	}

	resp, err := h.tokens.Exchange(r.Context(), req)
	if err != nil {
		h.respondOAuthError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// respondOAuthError serializes a protocol error. Causes are logged, never sent.
func (h *Handler) respondOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := oauth2.AsError(err)
	if oauthErr.Code == oauth2.ErrServerError {
		slog.ErrorContext(r.Context(), "request failed", logger.Path(r.URL.Path), logger.Error(err))
	}
	respondJSON(w, oauthErr.StatusCode(), oauthErr)
}
