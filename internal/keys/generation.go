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
	"time"

	"github.com/go-jose/go-jose/v4"
)

// KeyGeneration is the singleton signing key record: the key in use, the
// one it replaced and the one that will replace it.
type KeyGeneration struct {
	Current  *KeyMaterial
	Previous *KeyMaterial
	Next     *KeyMaterial
	Expiry   time.Time
}

// NewKeyGeneration creates a generation of three fresh keys expiring
// interval after now.
func NewKeyGeneration(gen Generator, now time.Time, interval time.Duration) (*KeyGeneration, error) {
	var fresh [3]*KeyMaterial
	for i := range fresh {
		k, err := gen()
		if err != nil {
			return nil, err
		}
		fresh[i] = k
	}
	return &KeyGeneration{
		Current:  fresh[0],
		Previous: fresh[1],
		Next:     fresh[2],
		Expiry:   normalize(now.Add(interval)),
	}, nil
}

// Expired reports whether t is at or past the expiry.
func (g *KeyGeneration) Expired(t time.Time) bool {
	return !t.Before(g.Expiry)
}

// Rotate returns the successor generation: current becomes previous, next
// becomes current and next is replaced by fresh.
func (g *KeyGeneration) Rotate(fresh *KeyMaterial, now time.Time, interval time.Duration) *KeyGeneration {
	return &KeyGeneration{
		Current:  g.Next,
		Previous: g.Current,
		Next:     fresh,
		Expiry:   normalize(now.Add(interval)),
	}
}

// PublicKeySet returns the public JWKs of current, previous and next.
func (g *KeyGeneration) PublicKeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		g.Current.PublicJWK(),
		g.Previous.PublicJWK(),
		g.Next.PublicJWK(),
	}}
}

// Equal reports whether both generations hold the same keys and expiry.
func (g *KeyGeneration) Equal(other *KeyGeneration) bool {
	return g.Current.Equal(other.Current) &&
		g.Previous.Equal(other.Previous) &&
		g.Next.Equal(other.Next) &&
		g.Expiry.Equal(other.Expiry)
}

// normalize truncates to the precision every backend can store.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
