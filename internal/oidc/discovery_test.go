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

package oidc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opentrusty/tokenx/internal/jwks/jwkstest"
	"github.com/opentrusty/tokenx/internal/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates discovery of a provider's issuer and JWKS location.
// Scope: Unit Test
// Security: Trusted Issuer Configuration (OIDC Discovery Section 4)
// Expected: The document's issuer and jwks_uri are returned.
// Test Case ID: DSC-01
func TestDiscover(t *testing.T) {
	idp := jwkstest.NewIssuer(t)

	md, err := Discover(context.Background(), http.DefaultClient, idp.WellKnownURL())
	require.NoError(t, err)
	assert.Equal(t, idp.URL(), md.Issuer)
	assert.Equal(t, idp.JWKSURI(), md.JWKSURI)
}

// TestPurpose: Validates retry behaviour of discovery.
// Scope: Unit Test
// Security: Availability
// Expected: 5xx responses are retried until success; 4xx and incomplete documents fail after one attempt.
// Test Case ID: DSC-02
func TestDiscover_Retry(t *testing.T) {
	tests := []struct {
		name      string
		responses []int
		body      string
		wantErr   bool
		wantCalls int32
	}{
		{"recovers after 5xx", []int{503, 502, 200}, `{"issuer":"https://idp","jwks_uri":"https://idp/jwks"}`, false, 3},
		{"gives up after max tries", []int{500, 500, 500, 500}, "", true, 3},
		{"not found is permanent", []int{404}, "", true, 1},
		{"incomplete document is permanent", []int{200}, `{"issuer":"https://idp"}`, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.responses[min(n, len(tt.responses)-1)]
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer srv.Close()

			md, err := Discover(context.Background(), srv.Client(), srv.URL+"/.well-known/openid-configuration",
				WithMaxTries(3), WithInitialInterval(time.Millisecond))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDiscovery)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "https://idp/jwks", md.JWKSURI)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

// TestPurpose: Validates the published authorization server metadata.
// Scope: Unit Test
// Security: Protocol Compliance (RFC 8414)
// Expected: Endpoints derive from the issuer; only token exchange and private_key_jwt are advertised.
// Test Case ID: DSC-03
func TestNewMetadata(t *testing.T) {
	md := NewMetadata("https://tokenx.test")
	assert.Equal(t, "https://tokenx.test/token", md.TokenEndpoint)
	assert.Equal(t, "https://tokenx.test/jwks", md.JWKSURI)
	assert.Equal(t, []string{oauth2.GrantTypeTokenExchange}, md.GrantTypesSupported)
	assert.Equal(t, []string{oauth2.AuthMethodPrivateKeyJWT}, md.TokenEndpointAuthMethodsSupported)
	assert.Contains(t, md.TokenEndpointAuthSigningAlgsSupported, "ES256")
}
