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
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Domain errors (Internal)
var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidSoftwareStatement = errors.New("invalid software statement")
	ErrInvalidClientMetadata    = errors.New("invalid client metadata")
)

// Protocol identifiers (RFC 8693, RFC 7523).
const (
	GrantTypeTokenExchange       = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeJWT                 = "urn:ietf:params:oauth:token-type:jwt"
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	AuthMethodPrivateKeyJWT      = "private_key_jwt"
	TokenTypeBearer              = "Bearer"
)

// AccessPolicy lists the client ids a policy admits.
type AccessPolicy []string

// Allows reports whether clientID is listed.
func (p AccessPolicy) Allows(clientID string) bool {
	return slices.Contains(p, clientID)
}

// Client represents a registered OAuth2 client. Clients authenticate with
// private_key_jwt assertions signed by a key in JWKS.
type Client struct {
	ClientID             string             `json:"client_id"`
	JWKS                 jose.JSONWebKeySet `json:"jwks"`
	AccessPolicyInbound  AccessPolicy       `json:"access_policy_inbound"`
	AccessPolicyOutbound AccessPolicy       `json:"access_policy_outbound"`
	AllowedScopes        []string           `json:"allowed_scopes"`
	GrantTypes           []string           `json:"grant_types"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// AllowsGrant reports whether the client registered grantType.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// TokenExchangeRequest represents a token request (RFC 8693 Section 2.1)
type TokenExchangeRequest struct {
	GrantType           string
	SubjectToken        string
	SubjectTokenType    string
	Audience            string
	Scope               string
	ClientAssertion     string
	ClientAssertionType string
}

// TokenResponse represents a token exchange response (RFC 8693 Section 2.2.1)
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
}

// IssuedToken is a signed access token minted by token exchange.
type IssuedToken struct {
	Serialized string
	KeyID      string
	JTI        string
	Subject    string
	Issuer     string // issuer of the subject token
	Audience   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// ExpiresIn returns the remaining lifetime in whole seconds relative to IssuedAt.
func (t *IssuedToken) ExpiresIn() int {
	return int(t.ExpiresAt.Sub(t.IssuedAt).Seconds())
}

// TokenIssuer mints access tokens for authenticated clients.
type TokenIssuer interface {
	IssueTokenFor(ctx context.Context, client *Client, req *TokenExchangeRequest) (*IssuedToken, error)
}

// ClientRegistrationRequest is the body of a client registration call.
type ClientRegistrationRequest struct {
	ClientName        string             `json:"client_name,omitempty"`
	JWKS              jose.JSONWebKeySet `json:"jwks"`
	SoftwareStatement string             `json:"software_statement"`
	Scopes            []string           `json:"scopes,omitempty"`
	GrantTypes        []string           `json:"grant_types,omitempty"`
}

// SoftwareStatement carries the claims of a registration software statement.
type SoftwareStatement struct {
	AppID                string       `json:"appId"`
	AccessPolicyInbound  AccessPolicy `json:"accessPolicyInbound"`
	AccessPolicyOutbound AccessPolicy `json:"accessPolicyOutbound"`
}

// ClientRegistration is the response to a successful registration.
type ClientRegistration struct {
	ClientID                string             `json:"client_id"`
	JWKS                    jose.JSONWebKeySet `json:"jwks"`
	SoftwareStatement       string             `json:"software_statement"`
	GrantTypes              []string           `json:"grant_types"`
	TokenEndpointAuthMethod string             `json:"token_endpoint_auth_method"`
}

// ClientRepository defines the interface for OAuth2 client persistence
type ClientRepository interface {
	// Save creates or replaces the client with the same client id.
	Save(ctx context.Context, client *Client) error

	// Get retrieves a client by client id.
	// Returns ErrClientNotFound if absent.
	Get(ctx context.Context, clientID string) (*Client, error)

	// List returns all clients ordered by client id.
	List(ctx context.Context) ([]*Client, error)

	// Delete removes a client. Deleting an unknown client is not an error.
	Delete(ctx context.Context, clientID string) error
}
