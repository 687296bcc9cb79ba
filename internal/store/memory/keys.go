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

// Package memory provides in-process repositories for development and tests.
// State is lost on restart, so every process bootstraps its own keys.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/opentrusty/tokenx/internal/keys"
)

// KeyRepository keeps the key generation in memory.
type KeyRepository struct {
	mu  sync.Mutex
	gen *keys.KeyGeneration
}

// NewKeyRepository creates an empty repository.
func NewKeyRepository() *KeyRepository {
	return &KeyRepository{}
}

// Load implements keys.Repository.
func (r *KeyRepository) Load(_ context.Context) (*keys.KeyGeneration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == nil {
		return nil, keys.ErrNoKeyGeneration
	}
	return r.gen, nil
}

// Save implements keys.Repository.
func (r *KeyRepository) Save(_ context.Context, gen *keys.KeyGeneration, previousExpiry time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previousExpiry.IsZero() {
		if r.gen != nil {
			return false, nil
		}
	} else if r.gen == nil || !r.gen.Expiry.Equal(previousExpiry) {
		return false, nil
	}
	r.gen = gen
	return true, nil
}
