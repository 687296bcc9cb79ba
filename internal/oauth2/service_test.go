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
	"maps"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://tokenx.test"

type stubClientRepo struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func newStubClientRepo(clients ...*Client) *stubClientRepo {
	r := &stubClientRepo{clients: map[string]*Client{}}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

func (r *stubClientRepo) Save(_ context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ClientID] = c
	return nil
}

func (r *stubClientRepo) Get(_ context.Context, id string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

func (r *stubClientRepo) List(_ context.Context) ([]*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*Client{}
	for _, id := range slices.Sorted(maps.Keys(r.clients)) {
		out = append(out, r.clients[id])
	}
	return out, nil
}

func (r *stubClientRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	return nil
}

type stubIssuer struct {
	err   error
	calls int
}

func (s *stubIssuer) IssueTokenFor(_ context.Context, client *Client, req *TokenExchangeRequest) (*IssuedToken, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	now := time.Now()
	return &IssuedToken{
		Serialized: "signed." + client.ClientID + "." + req.Audience,
		KeyID:      "kid-1",
		JTI:        "jti-1",
		Issuer:     "https://idp.test",
		Audience:   req.Audience,
		IssuedAt:   now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testClient struct {
	*Client
	key *keys.KeyMaterial
}

func newTestClient(t *testing.T, id string) testClient {
	t.Helper()
	key, err := keys.GenerateRSAKey()
	require.NoError(t, err)
	return testClient{
		Client: &Client{
			ClientID:   id,
			JWKS:       jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.PublicJWK()}},
			GrantTypes: []string{GrantTypeTokenExchange},
		},
		key: key,
	}
}

func (c testClient) assertion(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.ClientID,
		"sub": c.ClientID,
		"aud": testIssuer + "/token",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"jti": "assertion-1",
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	token := jwt.NewWithClaims(c.key.Algorithm().SigningMethod(), claims)
	token.Header["kid"] = c.key.KeyID()
	signed, err := token.SignedString(c.key.Signer())
	require.NoError(t, err)
	return signed
}

func newTestService(repo ClientRepository, issuer TokenIssuer, auditLog audit.Logger) *Service {
	auth := NewClientAuthenticator(repo, []string{testIssuer, testIssuer + "/token"})
	return NewService(repo, auth, issuer, auditLog, nil)
}

func exchangeRequest(assertion string) *TokenExchangeRequest {
	return &TokenExchangeRequest{
		GrantType:           GrantTypeTokenExchange,
		SubjectToken:        "subject.jwt.token",
		SubjectTokenType:    TokenTypeJWT,
		Audience:            "cluster1:team2:api",
		ClientAssertion:     assertion,
		ClientAssertionType: ClientAssertionTypeJWTBearer,
	}
}

func asOAuthError(t *testing.T, err error) *Error {
	t.Helper()
	var oauthErr *Error
	require.True(t, errors.As(err, &oauthErr), "expected *Error, got %v", err)
	return oauthErr
}

// TestPurpose: Validates a successful token exchange for an authenticated client.
// Scope: Unit Test
// Security: Token Exchange (RFC 8693 Section 2.2.1)
// Expected: Bearer response with issued_token_type jwt and expires_in; a token_issued audit event.
// Test Case ID: OA-01
func TestService_Exchange_Success(t *testing.T) {
	client := newTestClient(t, "cluster1:team1:app1")
	auditLog := &recordingAudit{}
	issuer := &stubIssuer{}
	svc := newTestService(newStubClientRepo(client.Client), issuer, auditLog)

	resp, err := svc.Exchange(context.Background(), exchangeRequest(client.assertion(t, nil)))
	require.NoError(t, err)

	assert.Equal(t, "signed.cluster1:team1:app1.cluster1:team2:api", resp.AccessToken)
	assert.Equal(t, TokenTypeJWT, resp.IssuedTokenType)
	assert.Equal(t, TokenTypeBearer, resp.TokenType)
	assert.Equal(t, 300, resp.ExpiresIn)
	assert.Equal(t, []string{audit.TypeTokenIssued}, auditLog.types())
}

// TestPurpose: Validates request parameter checks on the token endpoint.
// Scope: Unit Test
// Security: Input Validation (RFC 6749 Section 5.2)
// Expected: Each malformed request maps to its OAuth2 error code and nothing is issued.
// Test Case ID: OA-02
func TestService_Exchange_RequestValidation(t *testing.T) {
	client := newTestClient(t, "cluster1:team1:app1")
	issuer := &stubIssuer{}
	svc := newTestService(newStubClientRepo(client.Client), issuer, &recordingAudit{})
	assertion := client.assertion(t, nil)

	tests := []struct {
		name   string
		mutate func(*TokenExchangeRequest)
		code   string
	}{
		{"missing grant_type", func(r *TokenExchangeRequest) { r.GrantType = "" }, ErrInvalidRequest},
		{"unsupported grant_type", func(r *TokenExchangeRequest) { r.GrantType = "client_credentials" }, ErrUnsupportedGrantType},
		{"missing subject_token", func(r *TokenExchangeRequest) { r.SubjectToken = "" }, ErrInvalidRequest},
		{"missing subject_token_type", func(r *TokenExchangeRequest) { r.SubjectTokenType = "" }, ErrInvalidRequest},
		{"missing audience", func(r *TokenExchangeRequest) { r.Audience = "" }, ErrInvalidRequest},
		{"missing client_assertion", func(r *TokenExchangeRequest) { r.ClientAssertion = "" }, ErrInvalidClient},
		{"wrong client_assertion_type", func(r *TokenExchangeRequest) { r.ClientAssertionType = "basic" }, ErrInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := exchangeRequest(assertion)
			tt.mutate(req)
			_, err := svc.Exchange(context.Background(), req)
			assert.Equal(t, tt.code, asOAuthError(t, err).Code)
		})
	}
	assert.Zero(t, issuer.calls)
}

// TestPurpose: Validates private_key_jwt client authentication failures.
// Scope: Unit Test
// Security: Client Authentication (RFC 7523 Section 3)
// Expected: Every bad assertion yields invalid_client reported with HTTP 401.
// Test Case ID: OA-03
func TestService_Exchange_ClientAuthentication(t *testing.T) {
	client := newTestClient(t, "cluster1:team1:app1")
	impostor := newTestClient(t, "cluster1:team1:app1")
	unknown := newTestClient(t, "cluster1:team1:unknown")
	svc := newTestService(newStubClientRepo(client.Client), &stubIssuer{}, &recordingAudit{})

	tests := []struct {
		name      string
		assertion string
	}{
		{"unknown client", unknown.assertion(t, nil)},
		{"foreign key", impostor.assertion(t, nil)},
		{"wrong audience", client.assertion(t, jwt.MapClaims{"aud": "https://elsewhere.test"})},
		{"iss differs from sub", client.assertion(t, jwt.MapClaims{"iss": "someone-else"})},
		{"expired", client.assertion(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})},
		{"missing exp", client.assertion(t, jwt.MapClaims{"exp": nil})},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Exchange(context.Background(), exchangeRequest(tt.assertion))
			oauthErr := asOAuthError(t, err)
			assert.Equal(t, ErrInvalidClient, oauthErr.Code)
			assert.Equal(t, http.StatusUnauthorized, oauthErr.StatusCode())
		})
	}
}

// TestPurpose: Validates that clients may only use registered grant types.
// Scope: Unit Test
// Security: Authorization
// Expected: unauthorized_client when the client has not registered token exchange.
// Test Case ID: OA-04
func TestService_Exchange_GrantNotRegistered(t *testing.T) {
	client := newTestClient(t, "cluster1:team1:app1")
	client.GrantTypes = []string{"client_credentials"}
	auditLog := &recordingAudit{}
	svc := newTestService(newStubClientRepo(client.Client), &stubIssuer{}, auditLog)

	_, err := svc.Exchange(context.Background(), exchangeRequest(client.assertion(t, nil)))
	assert.Equal(t, ErrUnauthorizedClient, asOAuthError(t, err).Code)
	assert.Equal(t, []string{audit.TypeTokenExchangeFailed}, auditLog.types())
}

// TestPurpose: Validates enforcement of the audience's inbound access policy.
// Scope: Unit Test
// Security: Authorization (Access Policy)
// Expected: Listed callers are served, unlisted callers get invalid_request, audiences without a policy are open.
// Test Case ID: OA-05
func TestService_Exchange_InboundAccessPolicy(t *testing.T) {
	allowed := newTestClient(t, "cluster1:team1:allowed")
	denied := newTestClient(t, "cluster1:team1:denied")
	target := &Client{ClientID: "cluster1:team2:api", AccessPolicyInbound: AccessPolicy{allowed.ClientID}}
	open := &Client{ClientID: "cluster1:team2:open"}
	svc := newTestService(newStubClientRepo(allowed.Client, denied.Client, target, open), &stubIssuer{}, &recordingAudit{})

	_, err := svc.Exchange(context.Background(), exchangeRequest(allowed.assertion(t, nil)))
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), exchangeRequest(denied.assertion(t, nil)))
	assert.Equal(t, ErrInvalidRequest, asOAuthError(t, err).Code)

	req := exchangeRequest(denied.assertion(t, nil))
	req.Audience = open.ClientID
	_, err = svc.Exchange(context.Background(), req)
	require.NoError(t, err)
}

// TestPurpose: Validates that issuer failures are surfaced unchanged and non-protocol errors become server_error.
// Scope: Unit Test
// Security: Error Disclosure
// Expected: The issuer's invalid_request is returned as is; a plain error maps to server_error with HTTP 500.
// Test Case ID: OA-06
func TestService_Exchange_IssuerFailure(t *testing.T) {
	client := newTestClient(t, "cluster1:team1:app1")
	issuer := &stubIssuer{err: NewError(ErrInvalidRequest, "invalid subject_token")}
	svc := newTestService(newStubClientRepo(client.Client), issuer, &recordingAudit{})

	_, err := svc.Exchange(context.Background(), exchangeRequest(client.assertion(t, nil)))
	assert.Equal(t, ErrInvalidRequest, asOAuthError(t, err).Code)

	issuer.err = errors.New("boom")
	_, err = svc.Exchange(context.Background(), exchangeRequest(client.assertion(t, nil)))
	oauthErr := asOAuthError(t, err)
	assert.Equal(t, ErrServerError, oauthErr.Code)
	assert.Equal(t, http.StatusInternalServerError, oauthErr.StatusCode())
	assert.NotContains(t, oauthErr.Description, "boom")
}

func softwareStatement(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("software-statement-key"))
	require.NoError(t, err)
	return signed
}

// TestPurpose: Validates client registration from a software statement.
// Scope: Unit Test
// Security: Dynamic Client Registration (RFC 7591)
// Expected: The client is stored under appId with its access policies, grant types default to token exchange, and an audit event is emitted.
// Test Case ID: OA-07
func TestService_RegisterClient(t *testing.T) {
	repo := newStubClientRepo()
	auditLog := &recordingAudit{}
	svc := newTestService(repo, &stubIssuer{}, auditLog)
	client := newTestClient(t, "ignored")

	statement := softwareStatement(t, jwt.MapClaims{
		"appId":                "cluster1:team1:app1",
		"accessPolicyInbound":  []string{"cluster1:team1:caller"},
		"accessPolicyOutbound": []string{},
	})

	reg, err := svc.RegisterClient(context.Background(), "admin", &ClientRegistrationRequest{
		JWKS:              client.JWKS,
		SoftwareStatement: statement,
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster1:team1:app1", reg.ClientID)
	assert.Equal(t, []string{GrantTypeTokenExchange}, reg.GrantTypes)
	assert.Equal(t, AuthMethodPrivateKeyJWT, reg.TokenEndpointAuthMethod)
	assert.Equal(t, statement, reg.SoftwareStatement)

	stored, err := svc.GetClient(context.Background(), "cluster1:team1:app1")
	require.NoError(t, err)
	assert.Equal(t, AccessPolicy{"cluster1:team1:caller"}, stored.AccessPolicyInbound)
	assert.Len(t, stored.JWKS.Keys, 1)

	require.NoError(t, svc.DeleteClient(context.Background(), "admin", "cluster1:team1:app1"))
	list, err := svc.ListClients(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, []string{audit.TypeClientRegistered, audit.TypeClientDeleted}, auditLog.types())
}

// TestPurpose: Validates rejection of invalid registration requests.
// Scope: Unit Test
// Security: Input Validation, Key Hygiene
// Expected: Bad statements yield invalid_software_statement; empty or private key sets yield invalid_client_metadata.
// Test Case ID: OA-08
func TestService_RegisterClient_Invalid(t *testing.T) {
	svc := newTestService(newStubClientRepo(), &stubIssuer{}, &recordingAudit{})
	client := newTestClient(t, "x")
	valid := softwareStatement(t, jwt.MapClaims{"appId": "cluster1:team1:app1"})

	privateJWK := jose.JSONWebKey{Key: client.key.Signer(), KeyID: client.key.KeyID(), Algorithm: "RS256", Use: "sig"}

	tests := []struct {
		name string
		req  *ClientRegistrationRequest
		code string
	}{
		{"missing statement", &ClientRegistrationRequest{JWKS: client.JWKS}, ErrCodeInvalidSoftwareStatement},
		{"garbage statement", &ClientRegistrationRequest{JWKS: client.JWKS, SoftwareStatement: "garbage"}, ErrCodeInvalidSoftwareStatement},
		{"statement without appId", &ClientRegistrationRequest{JWKS: client.JWKS, SoftwareStatement: softwareStatement(t, jwt.MapClaims{"foo": "bar"})}, ErrCodeInvalidSoftwareStatement},
		{"empty jwks", &ClientRegistrationRequest{SoftwareStatement: valid}, ErrCodeInvalidClientMetadata},
		{"private key", &ClientRegistrationRequest{JWKS: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{privateJWK}}, SoftwareStatement: valid}, ErrCodeInvalidClientMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterClient(context.Background(), "admin", tt.req)
			oauthErr := asOAuthError(t, err)
			assert.Equal(t, tt.code, oauthErr.Code)
			assert.Equal(t, http.StatusBadRequest, oauthErr.StatusCode())
		})
	}
}

// TestPurpose: Validates the HTTP status mapping of OAuth2 error codes.
// Scope: Unit Test
// Security: Protocol Compliance (RFC 6749 Section 5.2)
// Expected: invalid_client 401, server_error 500, temporarily_unavailable 503, everything else 400.
// Test Case ID: OA-09
func TestError_StatusCode(t *testing.T) {
	cases := map[string]int{
		ErrInvalidRequest:         http.StatusBadRequest,
		ErrInvalidGrant:           http.StatusBadRequest,
		ErrUnsupportedGrantType:   http.StatusBadRequest,
		ErrUnauthorizedClient:     http.StatusBadRequest,
		ErrInvalidClient:          http.StatusUnauthorized,
		ErrServerError:            http.StatusInternalServerError,
		ErrTemporarilyUnavailable: http.StatusServiceUnavailable,
	}
	for code, status := range cases {
		assert.Equal(t, status, NewError(code, "").StatusCode(), code)
	}

	cause := errors.New("db down")
	wrapped := WrapError(ErrServerError, "failed", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Same(t, wrapped, AsError(wrapped))
}
