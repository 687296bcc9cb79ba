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

// Package jwkstest provides an in-process identity provider that publishes
// discovery metadata and a JWKS, for use in tests.
package jwkstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Issuer is a fake OpenID provider backed by httptest.
type Issuer struct {
	Server *httptest.Server

	mu      sync.RWMutex
	alg     string
	omitAlg bool
	kid     string
	signer  crypto.Signer
	retired []publishedKey
	fetches atomic.Int64
	status  atomic.Int32
	delay   time.Duration
}

type publishedKey struct {
	kid    string
	alg    string
	public crypto.PublicKey
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithAlgorithm selects the signing algorithm (RS256 or ES256/384/512).
func WithAlgorithm(alg string) Option {
	return func(i *Issuer) { i.alg = alg }
}

// WithoutAlgorithmHint publishes keys without an "alg" member.
func WithoutAlgorithmHint() Option {
	return func(i *Issuer) { i.omitAlg = true }
}

// WithResponseDelay delays every JWKS response.
func WithResponseDelay(d time.Duration) Option {
	return func(i *Issuer) { i.delay = d }
}

// NewIssuer starts a fake provider. It is closed when the test ends.
func NewIssuer(t testing.TB, opts ...Option) *Issuer {
	t.Helper()

	i := &Issuer{alg: "RS256"}
	for _, opt := range opts {
		opt(i)
	}
	i.status.Store(http.StatusOK)
	i.kid, i.signer = newKey(t, i.alg)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", i.serveDiscovery)
	mux.HandleFunc("/jwks", i.serveJWKS)
	i.Server = httptest.NewServer(mux)
	t.Cleanup(i.Server.Close)

	return i
}

// URL returns the issuer identifier.
func (i *Issuer) URL() string {
	return i.Server.URL
}

// WellKnownURL returns the discovery document location.
func (i *Issuer) WellKnownURL() string {
	return i.Server.URL + "/.well-known/openid-configuration"
}

// JWKSURI returns the key set location.
func (i *Issuer) JWKSURI() string {
	return i.Server.URL + "/jwks"
}

// KeyID returns the kid of the active signing key.
func (i *Issuer) KeyID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.kid
}

// Fetches returns how many times the JWKS endpoint was requested.
func (i *Issuer) Fetches() int64 {
	return i.fetches.Load()
}

// FailJWKS makes the JWKS endpoint answer with status.
// Pass http.StatusOK to restore it.
func (i *Issuer) FailJWKS(status int) {
	i.status.Store(int32(status))
}

// Rotate replaces the signing key. When keepOld is set the previous public
// key stays published.
func (i *Issuer) Rotate(t testing.TB, keepOld bool) {
	t.Helper()

	kid, signer := newKey(t, i.alg)

	i.mu.Lock()
	defer i.mu.Unlock()
	if keepOld {
		i.retired = append(i.retired, publishedKey{kid: i.kid, alg: i.alg, public: i.signer.Public()})
	}
	i.kid, i.signer = kid, signer
}

// Sign issues a token carrying claims. iss, iat and exp default to the
// issuer URL, now, and five minutes from now. A nil value removes the claim.
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()

	i.mu.RLock()
	defer i.mu.RUnlock()

	c := jwt.MapClaims{}
	now := time.Now()
	c["iss"] = i.Server.URL
	c["iat"] = now.Unix()
	c["exp"] = now.Add(5 * time.Minute).Unix()
	for k, v := range claims {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}

	token := jwt.NewWithClaims(signingMethod(i.alg), c)
	token.Header["kid"] = i.kid
	signed, err := token.SignedString(i.signer)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (i *Issuer) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                i.Server.URL,
		"jwks_uri":                              i.JWKSURI(),
		"token_endpoint":                        i.Server.URL + "/token",
		"id_token_signing_alg_values_supported": []string{i.alg},
	})
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	i.fetches.Add(1)
	if i.delay > 0 {
		select {
		case <-time.After(i.delay):
		case <-r.Context().Done():
			return
		}
	}
	if status := int(i.status.Load()); status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	body, err := i.keySet()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (i *Issuer) keySet() ([]byte, error) {
	i.mu.RLock()
	published := append([]publishedKey{{kid: i.kid, alg: i.alg, public: i.signer.Public()}}, i.retired...)
	omitAlg := i.omitAlg
	i.mu.RUnlock()

	set := jwk.NewSet()
	for _, p := range published {
		key, err := jwk.Import(p.public)
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyIDKey, p.kid); err != nil {
			return nil, err
		}
		if !omitAlg {
			if err := key.Set(jwk.AlgorithmKey, p.alg); err != nil {
				return nil, err
			}
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

func newKey(t testing.TB, alg string) (string, crypto.Signer) {
	t.Helper()

	var (
		signer crypto.Signer
		err    error
	)
	switch alg {
	case "ES256":
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return uuid.NewString(), signer
}

func signingMethod(alg string) jwt.SigningMethod {
	if m := jwt.GetSigningMethod(alg); m != nil {
		return m
	}
	return jwt.SigningMethodRS256
}
