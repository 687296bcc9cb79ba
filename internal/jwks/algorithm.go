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
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is a JWS signing algorithm accepted by this server.
type Algorithm string

// Supported algorithms (RFC 7518 Section 3.1)
const (
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
)

// DefaultAlgorithm applies when a JWK does not declare "alg".
const DefaultAlgorithm = RS256

// ParseAlgorithm maps a JWK "alg" value onto the closed set of supported
// algorithms. An empty value selects DefaultAlgorithm.
func ParseAlgorithm(alg string) (Algorithm, error) {
	if alg == "" {
		return DefaultAlgorithm, nil
	}
	switch a := Algorithm(alg); a {
	case RS256, RS384, RS512, ES256, ES384, ES512:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// SupportedAlgorithms lists the JOSE names of all supported algorithms.
func SupportedAlgorithms() []string {
	return []string{RS256.String(), RS384.String(), RS512.String(), ES256.String(), ES384.String(), ES512.String()}
}

// String returns the JOSE name of the algorithm.
func (a Algorithm) String() string {
	return string(a)
}

// SigningMethod returns the jwt signing method implementing the algorithm.
func (a Algorithm) SigningMethod() jwt.SigningMethod {
	switch a {
	case RS256:
		return jwt.SigningMethodRS256
	case RS384:
		return jwt.SigningMethodRS384
	case RS512:
		return jwt.SigningMethodRS512
	case ES256:
		return jwt.SigningMethodES256
	case ES384:
		return jwt.SigningMethodES384
	case ES512:
		return jwt.SigningMethodES512
	}
	return nil
}

// CheckKey reports whether key is a public key usable with the algorithm.
// RSA algorithms need an RSA key; each ES algorithm is bound to one curve.
func (a Algorithm) CheckKey(key any) error {
	switch a {
	case RS256, RS384, RS512:
		if _, ok := key.(*rsa.PublicKey); ok {
			return nil
		}
	case ES256, ES384, ES512:
		pub, ok := key.(*ecdsa.PublicKey)
		if ok && pub.Curve == a.curve() {
			return nil
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
	return fmt.Errorf("%w: key type %T does not match %s", ErrUnsupportedAlgorithm, key, a)
}

func (a Algorithm) curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	case ES512:
		return elliptic.P521()
	}
	return nil
}
