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

package token

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeySource provides the signing key generation.
type KeySource interface {
	CurrentGeneration(ctx context.Context) (*keys.KeyGeneration, error)
}

// Issuer mints access tokens from verified subject tokens.
type Issuer struct {
	issuerURL string
	lifetime  time.Duration
	keys      KeySource
	subjects  *SubjectTokenVerifier
	now       func() time.Time
	tracer    trace.Tracer
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source for iat and exp.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer identified by issuerURL whose tokens live for lifetime.
func NewIssuer(issuerURL string, lifetime time.Duration, keys KeySource, subjects *SubjectTokenVerifier, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		issuerURL: issuerURL,
		lifetime:  lifetime,
		keys:      keys,
		subjects:  subjects,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/opentrusty/tokenx/internal/token"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueTokenFor verifies the subject token in req and returns a new token for
// client, addressed to req.Audience. The subject claims are carried over;
// client_id, idp, iss, aud, iat, nbf, exp and jti are set locally.
// Returned errors are *oauth2.Error.
func (i *Issuer) IssueTokenFor(ctx context.Context, client *oauth2.Client, req *oauth2.TokenExchangeRequest) (*oauth2.IssuedToken, error) {
	ctx, span := i.tracer.Start(ctx, "token.issue", trace.WithAttributes(
		attribute.String("client_id", client.ClientID),
		attribute.String("audience", req.Audience),
	))
	defer span.End()

	token, err := i.issue(ctx, client, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("kid", token.KeyID), attribute.String("idp", token.Issuer))
	return token, nil
}

func (i *Issuer) issue(ctx context.Context, client *oauth2.Client, req *oauth2.TokenExchangeRequest) (*oauth2.IssuedToken, error) {
	if req.SubjectTokenType != oauth2.TokenTypeJWT {
		return nil, oauth2.WrapError(oauth2.ErrInvalidRequest, "unsupported subject_token_type", ErrUnsupportedTokenType)
	}

	subject, err := i.subjects.Verify(ctx, req.SubjectToken)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.ErrInvalidRequest, "invalid subject_token", err)
	}

	gen, err := i.keys.CurrentGeneration(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "signing keys unavailable",
			logger.Component("token"),
			logger.ClientID(client.ClientID),
			logger.Error(err),
		)
		return nil, oauth2.WrapError(oauth2.ErrServerError, "signing keys unavailable", err)
	}
	key := gen.Current

	now := time.Unix(i.now().Unix(), 0)
	expiry := now.Add(i.lifetime)
	jti := uuid.NewString()

	claims := maps.Clone(subject.Claims)
	claims["client_id"] = client.ClientID
	claims["idp"] = subject.Issuer
	claims["iss"] = i.issuerURL
	claims["aud"] = []string{req.Audience}
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = expiry.Unix()
	claims["jti"] = jti

	token := jwt.NewWithClaims(key.Algorithm().SigningMethod(), claims)
	token.Header["kid"] = key.KeyID()

	signed, err := token.SignedString(key.Signer())
	if err != nil {
		slog.ErrorContext(ctx, "failed to sign token",
			logger.Component("token"),
			logger.KeyID(key.KeyID()),
			logger.Error(err),
		)
		return nil, oauth2.WrapError(oauth2.ErrServerError, "failed to sign token", err)
	}

	sub, _ := subject.Claims.GetSubject()
	slog.InfoContext(ctx, "token issued",
		logger.Component("token"),
		logger.ClientID(client.ClientID),
		logger.Audience(req.Audience),
		logger.Issuer(subject.Issuer),
		logger.KeyID(key.KeyID()),
	)

	return &oauth2.IssuedToken{
		Serialized: signed,
		KeyID:      key.KeyID(),
		JTI:        jti,
		Subject:    sub,
		Issuer:     subject.Issuer,
		Audience:   req.Audience,
		IssuedAt:   now,
		ExpiresAt:  expiry,
	}, nil
}
