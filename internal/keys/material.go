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

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/opentrusty/tokenx/internal/jwks"
)

// RSAKeySize is the modulus size of generated signing keys.
const RSAKeySize = 2048

// KeyMaterial is an immutable signing key pair with a stable key id.
type KeyMaterial struct {
	keyID     string
	algorithm jwks.Algorithm
	signer    crypto.Signer
}

// Generator produces fresh key material.
type Generator func() (*KeyMaterial, error)

// GenerateRSAKey creates an RS256 key pair with a random key id.
func GenerateRSAKey() (*KeyMaterial, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &KeyMaterial{keyID: uuid.NewString(), algorithm: jwks.RS256, signer: priv}, nil
}

// GenerateECKey creates an ES256 key pair with a random key id.
func GenerateECKey() (*KeyMaterial, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	return &KeyMaterial{keyID: uuid.NewString(), algorithm: jwks.ES256, signer: priv}, nil
}

// NewKeyMaterial wraps an existing private key.
func NewKeyMaterial(keyID string, alg jwks.Algorithm, signer crypto.Signer) (*KeyMaterial, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if err := alg.CheckKey(signer.Public()); err != nil {
		return nil, err
	}
	return &KeyMaterial{keyID: keyID, algorithm: alg, signer: signer}, nil
}

// KeyID returns the kid published for this key.
func (k *KeyMaterial) KeyID() string {
	return k.keyID
}

// Algorithm returns the signing algorithm bound to this key.
func (k *KeyMaterial) Algorithm() jwks.Algorithm {
	return k.algorithm
}

// Signer returns the private key.
func (k *KeyMaterial) Signer() crypto.Signer {
	return k.signer
}

// PublicJWK returns the public half as a JWK with kid, alg and use=sig.
func (k *KeyMaterial) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.signer.Public(),
		KeyID:     k.keyID,
		Algorithm: k.algorithm.String(),
		Use:       "sig",
	}
}

// Equal reports whether both values hold the same key pair, kid and algorithm.
func (k *KeyMaterial) Equal(other *KeyMaterial) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.keyID != other.keyID || k.algorithm != other.algorithm {
		return false
	}
	priv, ok := k.signer.(interface{ Equal(crypto.PrivateKey) bool })
	return ok && priv.Equal(other.signer)
}

// MarshalJSON encodes the key, including private parts, as a JWK.
func (k *KeyMaterial) MarshalJSON() ([]byte, error) {
	return json.Marshal(jose.JSONWebKey{
		Key:       k.signer,
		KeyID:     k.keyID,
		Algorithm: k.algorithm.String(),
		Use:       "sig",
	})
}

// ParseKeyMaterial decodes a private JWK produced by MarshalJSON.
func ParseKeyMaterial(data []byte) (*KeyMaterial, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to parse key material: %w", err)
	}
	if jwk.IsPublic() {
		return nil, fmt.Errorf("failed to parse key material: key %q has no private part", jwk.KeyID)
	}
	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("failed to parse key material: unsupported key type %T", jwk.Key)
	}
	alg, err := jwks.ParseAlgorithm(jwk.Algorithm)
	if err != nil {
		return nil, err
	}
	return NewKeyMaterial(jwk.KeyID, alg, signer)
}
