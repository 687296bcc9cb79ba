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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// Provider resolves verification keys by key id.
type Provider interface {
	// Key returns the public key identified by kid.
	// Returns ErrKeyNotFound if the issuer does not publish such a key.
	Key(ctx context.Context, kid string) (*jose.JSONWebKey, error)
}

// StaticProvider serves keys from a fixed key set, such as a client's
// registered JWKS.
type StaticProvider struct {
	set jose.JSONWebKeySet
}

// NewStaticProvider creates a provider over set.
func NewStaticProvider(set jose.JSONWebKeySet) *StaticProvider {
	return &StaticProvider{set: set}
}

// Key implements Provider.
func (p *StaticProvider) Key(_ context.Context, kid string) (*jose.JSONWebKey, error) {
	return lookup(p.set, kid)
}

// KeySetFunc adapts a function returning the current key set into a Provider.
// It is used for key sets that change over time but are held locally.
type KeySetFunc func(ctx context.Context) (jose.JSONWebKeySet, error)

// Key implements Provider.
func (f KeySetFunc) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	set, err := f(ctx)
	if err != nil {
		return nil, err
	}
	return lookup(set, kid)
}

func lookup(set jose.JSONWebKeySet, kid string) (*jose.JSONWebKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid header", ErrKeyNotFound)
	}
	for _, k := range set.Key(kid) {
		if k.Use == "" || k.Use == "sig" {
			key := k
			return &key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// FetchKeySet downloads and parses the JWKS document at uri.
// Keys that cannot be parsed are skipped so that one unsupported entry does
// not make the whole issuer unusable.
func FetchKeySet(ctx context.Context, client *http.Client, uri string) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return set, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return set, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("%w: %s returned status %d", ErrJWKSFetch, uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return set, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}

	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return set, fmt.Errorf("%w: invalid JWKS document: %v", ErrJWKSFetch, err)
	}

	for _, data := range raw.Keys {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(data); err != nil {
			slog.DebugContext(ctx, "skipping unparseable JWK",
				logger.Component("jwks"),
				logger.String("jwks_uri", uri),
				logger.Error(err),
			)
			continue
		}
		if !key.IsPublic() {
			key = key.Public()
		}
		set.Keys = append(set.Keys, key)
	}

	return set, nil
}
