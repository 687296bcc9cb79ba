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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks JWTs signed by a single issuer whose keys are resolved
// through a Provider.
type Verifier struct {
	issuer   string
	provider Provider
	leeway   time.Duration
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides the time source used for temporal claims.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for tokens issued by issuer.
func NewVerifier(issuer string, provider Provider, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		issuer:   issuer,
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issuer returns the issuer this verifier trusts.
func (v *Verifier) Issuer() string {
	return v.issuer
}

// Verify validates the token signature, issuer and expiry and returns its
// claims. The signing key is chosen by the token's kid header and the
// algorithm by the key's "alg" (RS256 when absent); the token header must
// agree with it.
func (v *Verifier) Verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	kid, err := KeyIDOf(raw)
	if err != nil {
		return nil, err
	}

	key, err := v.provider.Key(ctx, kid)
	if err != nil {
		return nil, err
	}

	alg, err := ParseAlgorithm(key.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := alg.CheckKey(key.Key); err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key.Key, nil },
		jwt.WithValidMethods([]string{alg.String()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	return claims, nil
}

// KeyIDOf returns the kid header of a compact JWS without verifying it.
func KeyIDOf(raw string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := token.Header["kid"].(string)
	return kid, nil
}

// UnverifiedIssuer returns the iss claim of a token without verifying it.
// The result may only be used as a lookup hint.
func UnverifiedIssuer(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	iss, _ := claims.GetIssuer()
	return iss
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrUntrustedIssuer, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMissingClaim, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrClaimMismatch, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}
