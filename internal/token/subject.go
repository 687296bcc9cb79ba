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
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/tokenx/internal/jwks"
)

// VerifiedSubject is a subject token that passed verification.
type VerifiedSubject struct {
	Issuer string
	Claims jwt.MapClaims
}

// SubjectTokenVerifier verifies subject tokens against a fixed set of
// trusted issuers.
type SubjectTokenVerifier struct {
	issuers []*jwks.Verifier
}

// NewSubjectTokenVerifier trusts the given issuers, probed in order.
func NewSubjectTokenVerifier(issuers ...*jwks.Verifier) *SubjectTokenVerifier {
	return &SubjectTokenVerifier{issuers: issuers}
}

// Issuers returns the trusted issuer identifiers in probe order.
func (v *SubjectTokenVerifier) Issuers() []string {
	out := make([]string, 0, len(v.issuers))
	for _, iss := range v.issuers {
		out = append(out, iss.Issuer())
	}
	return out
}

// Verify finds the trusted issuer publishing the token's kid and verifies the
// token against it. The issuer named by the unverified iss claim is tried
// first. An issuer that does not publish the kid, or whose keys cannot be
// fetched, is skipped; any other verification failure is final.
func (v *SubjectTokenVerifier) Verify(ctx context.Context, raw string) (*VerifiedSubject, error) {
	kid, err := jwks.KeyIDOf(raw)
	if err != nil {
		return nil, err
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: subject token has no kid header", jwks.ErrMalformedToken)
	}

	hint := jwks.UnverifiedIssuer(raw)
	var hintErr error

	for _, issuer := range v.ordered(hint) {
		claims, err := issuer.Verify(ctx, raw)
		if err == nil {
			if sub, _ := claims.GetSubject(); sub == "" {
				return nil, fmt.Errorf("%w: sub", jwks.ErrMissingClaim)
			}
			return &VerifiedSubject{Issuer: issuer.Issuer(), Claims: claims}, nil
		}
		if !skippable(err) {
			return nil, err
		}
		if issuer.Issuer() == hint && !errors.Is(err, jwks.ErrKeyNotFound) {
			hintErr = err
		}
	}

	if hintErr != nil {
		return nil, hintErr
	}
	return nil, fmt.Errorf("%w: no trusted issuer publishes kid %q", jwks.ErrUntrustedIssuer, kid)
}

func (v *SubjectTokenVerifier) ordered(hint string) []*jwks.Verifier {
	out := make([]*jwks.Verifier, 0, len(v.issuers))
	for _, iss := range v.issuers {
		if iss.Issuer() == hint {
			out = append(out, iss)
		}
	}
	for _, iss := range v.issuers {
		if iss.Issuer() != hint {
			out = append(out, iss)
		}
	}
	return out
}

func skippable(err error) bool {
	return errors.Is(err, jwks.ErrKeyNotFound) ||
		errors.Is(err, jwks.ErrJWKSFetch) ||
		errors.Is(err, jwks.ErrRateLimited)
}
