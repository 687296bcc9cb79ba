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

package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that JWK "alg" values are mapped onto the closed set of supported algorithms.
// Scope: Unit Test
// Security: Algorithm Confusion Prevention (RFC 8725 Section 3.1)
// Expected: RS/ES 256/384/512 are accepted, an absent alg defaults to RS256, anything else fails with ErrUnsupportedAlgorithm.
// Test Case ID: JWK-01
func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", RS256, false},
		{"RS256", RS256, false},
		{"RS384", RS384, false},
		{"RS512", RS512, false},
		{"ES256", ES256, false},
		{"ES384", ES384, false},
		{"ES512", ES512, false},
		{"HS256", "", true},
		{"none", "", true},
		{"PS256", "", true},
		{"rs256", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.SigningMethod().Alg())
		})
	}
}

// TestPurpose: Validates that each algorithm only accepts the key type (and curve) it is defined for.
// Scope: Unit Test
// Security: Key/Algorithm Binding
// Expected: RSA keys pass for RS*, EC keys pass only for the ES variant matching their curve.
// Test Case ID: JWK-02
func TestAlgorithm_CheckKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	assert.NoError(t, RS256.CheckKey(&rsaKey.PublicKey))
	assert.NoError(t, RS512.CheckKey(&rsaKey.PublicKey))
	assert.NoError(t, ES256.CheckKey(&p256.PublicKey))
	assert.NoError(t, ES384.CheckKey(&p384.PublicKey))

	assert.ErrorIs(t, RS256.CheckKey(&p256.PublicKey), ErrUnsupportedAlgorithm)
	assert.ErrorIs(t, ES256.CheckKey(&rsaKey.PublicKey), ErrUnsupportedAlgorithm)
	assert.ErrorIs(t, ES256.CheckKey(&p384.PublicKey), ErrUnsupportedAlgorithm)
	assert.ErrorIs(t, Algorithm("HS256").CheckKey([]byte("secret")), ErrUnsupportedAlgorithm)
}
