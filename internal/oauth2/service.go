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

package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"github.com/opentrusty/tokenx/internal/observability/metrics"
)

// Service provides the token endpoint and client registration logic
type Service struct {
	clients     ClientRepository
	auth        *ClientAuthenticator
	issuer      TokenIssuer
	auditLogger audit.Logger
	metrics     *metrics.TokenMetrics
	now         func() time.Time
}

// NewService creates a new OAuth2 service. tokenMetrics may be nil.
func NewService(
	clients ClientRepository,
	auth *ClientAuthenticator,
	issuer TokenIssuer,
	auditLogger audit.Logger,
	tokenMetrics *metrics.TokenMetrics,
) *Service {
	return &Service{
		clients:     clients,
		auth:        auth,
		issuer:      issuer,
		auditLogger: auditLogger,
		metrics:     tokenMetrics,
		now:         time.Now,
	}
}

// Exchange handles a token exchange request (RFC 8693): it authenticates the
// client, checks the grant and the audience's inbound access policy, and
// delegates issuance to the TokenIssuer. Returned errors are always *Error.
func (s *Service) Exchange(ctx context.Context, req *TokenExchangeRequest) (*TokenResponse, error) {
	start := time.Now()

	client, err := s.authorize(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, req, "", err, start)
	}

	token, err := s.issuer.IssueTokenFor(ctx, client, req)
	if err != nil {
		return nil, s.fail(ctx, req, client.ClientID, err, start)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		ActorID:  client.ClientID,
		Resource: req.Audience,
		Metadata: map[string]any{
			"jti":            token.JTI,
			"kid":            token.KeyID,
			"subject_issuer": token.Issuer,
			"grant_type":     req.GrantType,
		},
	})
	s.metrics.Issued(ctx, client.ClientID, time.Since(start))

	return &TokenResponse{
		AccessToken:     token.Serialized,
		IssuedTokenType: TokenTypeJWT,
		TokenType:       TokenTypeBearer,
		ExpiresIn:       token.ExpiresIn(),
	}, nil
}

func (s *Service) authorize(ctx context.Context, req *TokenExchangeRequest) (*Client, error) {
	switch req.GrantType {
	case "":
		return nil, NewError(ErrInvalidRequest, "missing grant_type")
	case GrantTypeTokenExchange:
	default:
		return nil, NewError(ErrUnsupportedGrantType, "unsupported grant_type")
	}

	switch {
	case req.SubjectToken == "":
		return nil, NewError(ErrInvalidRequest, "missing subject_token")
	case req.SubjectTokenType == "":
		return nil, NewError(ErrInvalidRequest, "missing subject_token_type")
	case req.Audience == "":
		return nil, NewError(ErrInvalidRequest, "missing audience")
	}

	client, err := s.auth.Authenticate(ctx, req.ClientAssertionType, req.ClientAssertion)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(req.GrantType) {
		return nil, NewError(ErrUnauthorizedClient, "client is not allowed to use this grant_type")
	}

	target, err := s.clients.Get(ctx, req.Audience)
	switch {
	case errors.Is(err, ErrClientNotFound):
	case err != nil:
		return nil, WrapError(ErrServerError, "failed to load audience", err)
	case len(target.AccessPolicyInbound) > 0 && !target.AccessPolicyInbound.Allows(client.ClientID):
		return nil, NewError(ErrInvalidRequest, "client is not allowed to access the requested audience")
	}

	return client, nil
}

func (s *Service) fail(ctx context.Context, req *TokenExchangeRequest, clientID string, err error, start time.Time) *Error {
	oauthErr := AsError(err)

	attrs := []any{
		logger.Component("oauth2"),
		logger.Operation("token_exchange"),
		logger.ClientID(clientID),
		logger.GrantType(req.GrantType),
		logger.TokenType(req.SubjectTokenType),
		logger.Audience(req.Audience),
		logger.ErrorType(oauthErr.Code),
		logger.Error(err),
	}
	if oauthErr.Code == ErrServerError {
		slog.ErrorContext(ctx, "token exchange failed", attrs...)
	} else {
		slog.WarnContext(ctx, "token exchange rejected", attrs...)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenExchangeFailed,
		ActorID:  clientID,
		Resource: req.Audience,
		Metadata: map[string]any{
			"error":             oauthErr.Code,
			"error_description": oauthErr.Description,
		},
	})
	s.metrics.Failed(ctx, oauthErr.Code, time.Since(start))

	return oauthErr
}

// RegisterClient registers or replaces the client described by the request's
// software statement. actor identifies the authenticated caller.
func (s *Service) RegisterClient(ctx context.Context, actor string, req *ClientRegistrationRequest) (*ClientRegistration, error) {
	statement, err := ParseSoftwareStatement(req.SoftwareStatement)
	if err != nil {
		return nil, WrapError(ErrCodeInvalidSoftwareStatement, "software_statement could not be parsed", err)
	}

	if err := validateClientJWKS(req.JWKS); err != nil {
		return nil, WrapError(ErrCodeInvalidClientMetadata, err.Error(), err)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeTokenExchange}
	}

	now := s.now().UTC()
	client := &Client{
		ClientID:             statement.AppID,
		JWKS:                 req.JWKS,
		AccessPolicyInbound:  statement.AccessPolicyInbound,
		AccessPolicyOutbound: statement.AccessPolicyOutbound,
		AllowedScopes:        req.Scopes,
		GrantTypes:           grantTypes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing, err := s.clients.Get(ctx, client.ClientID); err == nil {
		client.CreatedAt = existing.CreatedAt
	}

	if err := s.clients.Save(ctx, client); err != nil {
		return nil, WrapError(ErrServerError, "failed to persist client", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientRegistered,
		ActorID:  actor,
		Resource: client.ClientID,
		Metadata: map[string]any{
			"grant_types": grantTypes,
			"keys":        len(client.JWKS.Keys),
		},
	})

	return &ClientRegistration{
		ClientID:                client.ClientID,
		JWKS:                    client.JWKS,
		SoftwareStatement:       req.SoftwareStatement,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
	}, nil
}

// GetClient returns a registered client.
func (s *Service) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return s.clients.Get(ctx, clientID)
}

// ListClients returns all registered clients.
func (s *Service) ListClients(ctx context.Context) ([]*Client, error) {
	return s.clients.List(ctx)
}

// DeleteClient removes a client registration.
func (s *Service) DeleteClient(ctx context.Context, actor, clientID string) error {
	if err := s.clients.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientDeleted,
		ActorID:  actor,
		Resource: clientID,
	})
	return nil
}

type softwareStatementClaims struct {
	SoftwareStatement
	jwt.RegisteredClaims
}

// ParseSoftwareStatement reads the claims of a software statement JWT.
// The signature is not verified; the registration endpoint itself is
// protected by bearer authentication.
func ParseSoftwareStatement(raw string) (*SoftwareStatement, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidSoftwareStatement)
	}
	claims := &softwareStatementClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSoftwareStatement, err)
	}
	if claims.AppID == "" {
		return nil, fmt.Errorf("%w: appId is required", ErrInvalidSoftwareStatement)
	}
	return &claims.SoftwareStatement, nil
}

func validateClientJWKS(set jose.JSONWebKeySet) error {
	if len(set.Keys) == 0 {
		return fmt.Errorf("%w: jwks must contain at least one key", ErrInvalidClientMetadata)
	}
	for _, k := range set.Keys {
		if !k.Valid() || !k.IsPublic() {
			return fmt.Errorf("%w: jwks must contain valid public keys only", ErrInvalidClientMetadata)
		}
		if k.KeyID == "" {
			return fmt.Errorf("%w: every key requires a kid", ErrInvalidClientMetadata)
		}
	}
	return nil
}
