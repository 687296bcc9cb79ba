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
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/jwks"
)

// ClientAuthenticator authenticates clients with private_key_jwt
// assertions (RFC 7523 Section 2.2).
type ClientAuthenticator struct {
	clients   ClientRepository
	audiences []string
	opts      []jwks.VerifierOption
}

// NewClientAuthenticator creates an authenticator accepting assertions whose
// aud contains one of audiences, usually the issuer URL and the token endpoint.
func NewClientAuthenticator(clients ClientRepository, audiences []string, opts ...jwks.VerifierOption) *ClientAuthenticator {
	return &ClientAuthenticator{
		clients:   clients,
		audiences: audiences,
		opts:      opts,
	}
}

// Authenticate verifies the client assertion against the JWKS the client
// registered and returns the client. The assertion must name the client in
// both iss and sub.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, assertionType, assertion string) (*Client, error) {
	if assertionType != ClientAssertionTypeJWTBearer || assertion == "" {
		return nil, NewError(ErrInvalidClient, "client authentication with private_key_jwt is required")
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, unverified); err != nil {
		return nil, WrapError(ErrInvalidClient, "malformed client assertion", err)
	}
	clientID, _ := unverified.GetSubject()
	iss, _ := unverified.GetIssuer()
	if clientID == "" || iss != clientID {
		return nil, NewError(ErrInvalidClient, "client assertion iss and sub must be the client id")
	}

	client, err := a.clients.Get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, WrapError(ErrInvalidClient, "unknown client", err)
	}
	if err != nil {
		return nil, WrapError(ErrServerError, "failed to load client", err)
	}

	verifier := jwks.NewVerifier(clientID, jwks.NewStaticProvider(client.JWKS), a.opts...)
	claims, err := verifier.Verify(ctx, assertion)
	if err != nil {
		return nil, WrapError(ErrInvalidClient, "invalid client assertion", err)
	}

	aud, _ := claims.GetAudience()
	if !slices.ContainsFunc(a.audiences, func(accepted string) bool { return slices.Contains(aud, accepted) }) {
		return nil, NewError(ErrInvalidClient, "client assertion audience does not match this server")
	}

	return client, nil
}
