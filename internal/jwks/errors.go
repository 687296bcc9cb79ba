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

import "errors"

// Verification errors
var (
	ErrUntrustedIssuer      = errors.New("untrusted issuer")
	ErrInvalidSignature     = errors.New("invalid token signature")
	ErrExpiredToken         = errors.New("token expired")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrMalformedToken       = errors.New("malformed token")
	ErrMissingClaim         = errors.New("missing claim")
	ErrClaimMismatch        = errors.New("claim mismatch")
)

// Key resolution errors
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrJWKSFetch   = errors.New("failed to fetch JWKS")
	ErrRateLimited = errors.New("JWKS fetch rate limit reached")
)
