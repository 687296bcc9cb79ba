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

// Package auth authenticates API callers presenting bearer tokens issued by
// a single trusted identity provider.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/jwks"
	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// DefaultAcceptedRole is required when no accepted roles are configured.
const DefaultAcceptedRole = "access_as_application"

// ErrUnauthenticated is reported for every rejected bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Reason explains why a bearer token was rejected. It is logged and audited,
// never returned to the caller.
type Reason string

const (
	ReasonMissingToken     Reason = "missing_bearer_token"
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonAudienceMismatch Reason = "audience_mismatch"
	ReasonRolesMissing     Reason = "roles_claim_missing"
	ReasonRolesMismatch    Reason = "roles_mismatch"
)

// Principal is an authenticated API caller.
type Principal struct {
	Subject  string
	Issuer   string
	Audience []string
	Roles    []string
	Claims   jwt.MapClaims
}

// Result is the outcome of bearer authentication: either a Principal or the
// Reason it was refused.
type Result struct {
	Principal *Principal
	Reason    Reason
	Err       error
}

// Authenticated reports whether the caller was accepted.
func (r Result) Authenticated() bool {
	return r.Principal != nil
}

// Config lists what a bearer token must carry.
type Config struct {
	AcceptedAudience []string
	AcceptedRoles    []string
}

// BearerVerifier authenticates bearer tokens of one issuer.
type BearerVerifier struct {
	verifier *jwks.Verifier
	checks   []check
	audit    audit.Logger
}

type check func(claims jwt.MapClaims) (Reason, bool)

// NewBearerVerifier creates a verifier. auditLogger may be nil.
func NewBearerVerifier(verifier *jwks.Verifier, cfg Config, auditLogger audit.Logger) *BearerVerifier {
	roles := cfg.AcceptedRoles
	if len(roles) == 0 {
		roles = []string{DefaultAcceptedRole}
	}
	return &BearerVerifier{
		verifier: verifier,
		checks: []check{
			audienceContains(cfg.AcceptedAudience),
			rolesPresent,
			rolesContain(roles),
		},
		audit: auditLogger,
	}
}

// Verify checks the token's signature, issuer and expiry, then applies the
// claim checks in order and stops at the first failure.
func (b *BearerVerifier) Verify(ctx context.Context, raw string) Result {
	if raw == "" {
		return Result{Reason: ReasonMissingToken, Err: ErrUnauthenticated}
	}

	claims, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		return Result{Reason: ReasonInvalidToken, Err: err}
	}

	for _, c := range b.checks {
		if reason, ok := c(claims); !ok {
			return Result{Reason: reason, Err: ErrUnauthenticated}
		}
	}

	sub, _ := claims.GetSubject()
	aud, _ := claims.GetAudience()
	return Result{Principal: &Principal{
		Subject:  sub,
		Issuer:   b.verifier.Issuer(),
		Audience: aud,
		Roles:    roles(claims),
		Claims:   claims,
	}}
}

// Authenticate verifies the bearer token of r. Rejections are logged at
// WARN and audited.
func (b *BearerVerifier) Authenticate(r *http.Request) Result {
	ctx := r.Context()
	raw, _ := BearerToken(r.Header.Get("Authorization"))

	result := b.Verify(ctx, raw)
	if result.Authenticated() {
		return result
	}

	slog.WarnContext(ctx, "bearer authentication failed",
		logger.Component("auth"),
		logger.Reason(string(result.Reason)),
		logger.Path(r.URL.Path),
		logger.Error(result.Err),
	)
	if b.audit != nil {
		b.audit.Log(ctx, audit.Event{
			Type:      audit.TypeAuthenticationFailed,
			Resource:  r.URL.Path,
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Metadata:  map[string]any{"reason": string(result.Reason)},
		})
	}
	return result
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func audienceContains(accepted []string) check {
	return func(claims jwt.MapClaims) (Reason, bool) {
		aud, err := claims.GetAudience()
		if err != nil {
			return ReasonAudienceMismatch, false
		}
		return ReasonAudienceMismatch, containsAll(aud, accepted)
	}
}

func rolesPresent(claims jwt.MapClaims) (Reason, bool) {
	_, ok := claims["roles"]
	return ReasonRolesMissing, ok
}

func rolesContain(accepted []string) check {
	return func(claims jwt.MapClaims) (Reason, bool) {
		return ReasonRolesMismatch, containsAll(roles(claims), accepted)
	}
}

func roles(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
