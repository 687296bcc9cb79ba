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

package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/audit"
	"github.com/opentrusty/tokenx/internal/config"
	"github.com/opentrusty/tokenx/internal/jwks/jwkstest"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWKSConfig() config.JWKSConfig {
	return config.JWKSConfig{
		CacheSize:       10,
		CacheTTL:        time.Hour,
		RateLimitBucket: 10,
		RateLimitWindow: time.Minute,
		FetchTimeout:    2 * time.Second,
	}
}

// TestPurpose: Validates resolution of trusted issuers from configuration.
// Scope: Unit Test
// Security: Issuer Trust
// Expected: A well-known URL is resolved through discovery; explicit issuer and jwks_uri are used as given.
// Test Case ID: WIR-01
func TestTrustedVerifier(t *testing.T) {
	ctx := context.Background()
	idp := jwkstest.NewIssuer(t)
	client := newFetchClient(testJWKSConfig())

	for name, ic := range map[string]config.IssuerConfig{
		"discovery": {WellKnownURL: idp.WellKnownURL()},
		"static":    {Issuer: idp.URL(), JWKSURI: idp.JWKSURI(), WellKnownURL: "http://127.0.0.1:1/unused"},
	} {
		t.Run(name, func(t *testing.T) {
			v, err := trustedVerifier(ctx, client, testJWKSConfig(), ic)
			require.NoError(t, err)
			assert.Equal(t, idp.URL(), v.Issuer())

			claims, err := v.Verify(ctx, idp.Sign(t, jwt.MapClaims{"sub": "user1"}))
			require.NoError(t, err)
			assert.Equal(t, "user1", claims["sub"])
		})
	}
}

// TestPurpose: Validates key store backend and sealer selection.
// Scope: Unit Test
// Security: Key Encryption at Rest
// Expected: The memory driver opens without external services; a passphrase selects AES sealing; unknown drivers fail.
// Test Case ID: WIR-02
func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	be, err := openBackend(ctx, &config.Config{KeyStore: config.KeyStoreConfig{Driver: config.DriverMemory}})
	require.NoError(t, err)
	t.Cleanup(be.close)
	assert.Nil(t, be.db)

	store := keys.NewStore(be.keys, time.Hour)
	set, err := store.PublicKeySet(ctx)
	require.NoError(t, err)
	assert.Len(t, set.Keys, 3)

	sealer, err := newSealer(config.KeyStoreConfig{EncryptionPassphrase: "secret", EncryptionSalt: "tokenx-test-salt-0001"})
	require.NoError(t, err)
	assert.IsType(t, &keys.AESSealer{}, sealer)

	sealer, err = newSealer(config.KeyStoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, keys.PlainSealer{}, sealer)

	_, err = openBackend(ctx, &config.Config{KeyStore: config.KeyStoreConfig{Driver: "etcd"}})
	assert.Error(t, err)
}

// TestPurpose: Validates that the registration API stays disabled without its issuer.
// Scope: Unit Test
// Security: Fail-Closed Registration
// Expected: No bearer verifier is built when registration auth is unconfigured; a configured issuer yields one.
// Test Case ID: WIR-03
func TestRegistrationAuth(t *testing.T) {
	ctx := context.Background()
	client := &http.Client{Timeout: time.Second}

	bearer, err := registrationAuth(ctx, &config.Config{JWKS: testJWKSConfig()}, client, audit.NewSlogLogger())
	require.NoError(t, err)
	assert.Nil(t, bearer)

	admin := jwkstest.NewIssuer(t)
	cfg := &config.Config{
		JWKS: testJWKSConfig(),
		ClientRegistrationAuth: config.BearerAuthConfig{
			IssuerConfig:     config.IssuerConfig{WellKnownURL: admin.WellKnownURL()},
			AcceptedAudience: []string{"api://tokenx"},
		},
	}
	bearer, err = registrationAuth(ctx, cfg, client, audit.NewSlogLogger())
	require.NoError(t, err)
	require.NotNil(t, bearer)

	result := bearer.Verify(ctx, admin.Sign(t, jwt.MapClaims{
		"sub":   "admin",
		"aud":   "api://tokenx",
		"roles": []string{"access_as_application"},
	}))
	assert.True(t, result.Authenticated())
}
