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
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/jwks"
	"github.com/opentrusty/tokenx/internal/jwks/jwkstest"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/opentrusty/tokenx/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuerURL = "https://tokenx.test"
	testInterval  = time.Hour
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	idp    *jwkstest.Issuer
	clock  *fakeClock
	store  *keys.Store
	issuer *Issuer
	client *oauth2.Client
}

func remoteVerifier(idp *jwkstest.Issuer) *jwks.Verifier {
	provider := jwks.NewCachedProvider(idp.JWKSURI(), &http.Client{Timeout: 2 * time.Second}, jwks.DefaultCacheConfig())
	return jwks.NewVerifier(idp.URL(), provider)
}

func newFixture(t *testing.T, trusted ...*jwkstest.Issuer) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	store := keys.NewStore(memory.NewKeyRepository(), testInterval,
		keys.WithClock(clock.Now),
		keys.WithGenerator(keys.GenerateECKey),
	)

	verifiers := []*jwks.Verifier{jwks.NewVerifier(testIssuerURL, jwks.KeySetFunc(store.PublicKeySet))}
	for _, idp := range trusted {
		verifiers = append(verifiers, remoteVerifier(idp))
	}

	f := &fixture{
		clock:  clock,
		store:  store,
		issuer: NewIssuer(testIssuerURL, 5*time.Minute, store, NewSubjectTokenVerifier(verifiers...)),
		client: &oauth2.Client{ClientID: "cluster1:team1:app1"},
	}
	if len(trusted) > 0 {
		f.idp = trusted[0]
	}
	return f
}

func exchangeRequest(subjectToken, audience string) *oauth2.TokenExchangeRequest {
	return &oauth2.TokenExchangeRequest{
		GrantType:        oauth2.GrantTypeTokenExchange,
		SubjectToken:     subjectToken,
		SubjectTokenType: oauth2.TokenTypeJWT,
		Audience:         audience,
	}
}

func requireOAuthError(t *testing.T, err error, code string) *oauth2.Error {
	t.Helper()
	var oauthErr *oauth2.Error
	require.True(t, errors.As(err, &oauthErr), "expected *oauth2.Error, got %v", err)
	assert.Equal(t, code, oauthErr.Code)
	return oauthErr
}

// TestPurpose: Validates that token exchange carries subject claims over and asserts local claims.
// Scope: Unit Test
// Security: Token Exchange Claim Integrity (RFC 8693)
// Expected: The issued token contains sub and the subject's custom claims, plus client_id, idp, iss and a single-element aud.
// Test Case ID: TKN-01
func TestIssuer_IssueTokenFor_CopiesAndAssertsClaims(t *testing.T) {
	idp := jwkstest.NewIssuer(t)
	f := newFixture(t, idp)
	ctx := context.Background()

	subject := idp.Sign(t, jwt.MapClaims{"sub": "user1", "claim1": "value1", "claim2": "value2"})

	issued, err := f.issuer.IssueTokenFor(ctx, f.client, exchangeRequest(subject, "aud1"))
	require.NoError(t, err)
	assert.Equal(t, 300, issued.ExpiresIn())
	assert.Equal(t, idp.URL(), issued.Issuer)
	assert.Equal(t, "user1", issued.Subject)

	set, err := f.store.PublicKeySet(ctx)
	require.NoError(t, err)
	claims, err := jwks.NewVerifier(testIssuerURL, jwks.NewStaticProvider(set)).Verify(ctx, issued.Serialized)
	require.NoError(t, err)

	assert.Equal(t, "user1", claims["sub"])
	assert.Equal(t, "value1", claims["claim1"])
	assert.Equal(t, "value2", claims["claim2"])
	assert.Equal(t, f.client.ClientID, claims["client_id"])
	assert.Equal(t, idp.URL(), claims["idp"])
	assert.Equal(t, testIssuerURL, claims["iss"])
	assert.Equal(t, issued.JTI, claims["jti"])
	assert.Equal(t, claims["iat"], claims["nbf"])

	aud, err := claims.GetAudience()
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"aud1"}, aud)

	gen, err := f.store.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen.Current.KeyID(), issued.KeyID)
}

// TestPurpose: Validates that issued tokens stay exchangeable and verifiable across key rotations.
// Scope: Unit Test
// Security: Key Rotation Tolerance
// Expected: Three rounds of rotate-then-exchange succeed, each new token verifying against the then-current public key set.
// Test Case ID: TKN-02
func TestIssuer_ReExchangeAcrossRotations(t *testing.T) {
	idp := jwkstest.NewIssuer(t)
	f := newFixture(t, idp)
	ctx := context.Background()

	issued, err := f.issuer.IssueTokenFor(ctx, f.client, exchangeRequest(idp.Sign(t, jwt.MapClaims{"sub": "user1"}), "aud1"))
	require.NoError(t, err)

	seen := map[string]bool{issued.KeyID: true}
	for round := 1; round <= 3; round++ {
		f.clock.Advance(testInterval + time.Second)

		next, err := f.issuer.IssueTokenFor(ctx, f.client, exchangeRequest(issued.Serialized, "aud1"))
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, testIssuerURL, next.Issuer, "round %d: idp is this server", round)

		set, err := f.store.PublicKeySet(ctx)
		require.NoError(t, err)
		claims, err := jwks.NewVerifier(testIssuerURL, jwks.NewStaticProvider(set)).Verify(ctx, next.Serialized)
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, "user1", claims["sub"])

		assert.False(t, seen[next.KeyID], "round %d must sign with a rotated key", round)
		seen[next.KeyID] = true
		issued = next
	}
}

// TestPurpose: Validates that only JWT subject tokens are accepted.
// Scope: Unit Test
// Security: Input Validation (RFC 8693 Section 2.1)
// Expected: invalid_request wrapping ErrUnsupportedTokenType; no key is generated.
// Test Case ID: TKN-03
func TestIssuer_RejectsUnsupportedTokenType(t *testing.T) {
	idp := jwkstest.NewIssuer(t)
	f := newFixture(t, idp)

	req := exchangeRequest(idp.Sign(t, jwt.MapClaims{"sub": "user1"}), "aud1")
	req.SubjectTokenType = "urn:ietf:params:oauth:token-type:access_token"

	_, err := f.issuer.IssueTokenFor(context.Background(), f.client, req)
	requireOAuthError(t, err, oauth2.ErrInvalidRequest)
	assert.ErrorIs(t, err, ErrUnsupportedTokenType)
}

// TestPurpose: Validates that unverifiable subject tokens are rejected before anything is signed.
// Scope: Unit Test
// Security: Subject Token Verification
// Expected: Untrusted issuer, expired and tampered tokens yield invalid_request with the matching cause.
// Test Case ID: TKN-04
func TestIssuer_RejectsInvalidSubjectTokens(t *testing.T) {
	trusted := jwkstest.NewIssuer(t)
	untrusted := jwkstest.NewIssuer(t)
	f := newFixture(t, trusted)

	valid := trusted.Sign(t, jwt.MapClaims{"sub": "user1"})

	tests := []struct {
		name  string
		token string
		cause error
	}{
		{"untrusted issuer", untrusted.Sign(t, jwt.MapClaims{"sub": "user1"}), jwks.ErrUntrustedIssuer},
		{"expired", trusted.Sign(t, jwt.MapClaims{"sub": "user1", "exp": time.Now().Add(-time.Minute).Unix()}), jwks.ErrExpiredToken},
		{"tampered", valid[:len(valid)-4] + "AAAA", jwks.ErrInvalidSignature},
		{"missing sub", trusted.Sign(t, jwt.MapClaims{}), jwks.ErrMissingClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.issuer.IssueTokenFor(context.Background(), f.client, exchangeRequest(tt.token, "aud1"))
			requireOAuthError(t, err, oauth2.ErrInvalidRequest)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

type failingKeys struct{}

func (failingKeys) CurrentGeneration(context.Context) (*keys.KeyGeneration, error) {
	return nil, keys.ErrKeyStoreUnavailable
}

// TestPurpose: Validates that a key store failure aborts issuance.
// Scope: Unit Test
// Security: Fail Closed
// Expected: server_error wrapping ErrKeyStoreUnavailable.
// Test Case ID: TKN-05
func TestIssuer_KeyStoreFailure(t *testing.T) {
	idp := jwkstest.NewIssuer(t)
	issuer := NewIssuer(testIssuerURL, time.Minute, failingKeys{}, NewSubjectTokenVerifier(remoteVerifier(idp)))

	_, err := issuer.IssueTokenFor(context.Background(), &oauth2.Client{ClientID: "c"},
		exchangeRequest(idp.Sign(t, jwt.MapClaims{"sub": "user1"}), "aud1"))
	requireOAuthError(t, err, oauth2.ErrServerError)
	assert.ErrorIs(t, err, keys.ErrKeyStoreUnavailable)
}

// TestPurpose: Validates that iat and exp follow the configured clock and lifetime.
// Scope: Unit Test
// Security: Token Lifetime
// Expected: iat equals the clock, exp is iat plus the lifetime.
// Test Case ID: TKN-06
func TestIssuer_Lifetime(t *testing.T) {
	idp := jwkstest.NewIssuer(t)
	f := newFixture(t, idp)
	fixed := time.Now().Add(-10 * time.Second).Truncate(time.Second)
	issuer := NewIssuer(testIssuerURL, 2*time.Minute, f.store,
		NewSubjectTokenVerifier(remoteVerifier(idp)), WithClock(func() time.Time { return fixed }))

	issued, err := issuer.IssueTokenFor(context.Background(), f.client,
		exchangeRequest(idp.Sign(t, jwt.MapClaims{"sub": "user1"}), "aud1"))
	require.NoError(t, err)
	assert.True(t, issued.IssuedAt.Equal(fixed))
	assert.True(t, issued.ExpiresAt.Equal(fixed.Add(2*time.Minute)))
	assert.Equal(t, 120, issued.ExpiresIn())
}
