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

package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/opentrusty/tokenx/internal/oauth2"
)

// ClientRepository keeps client registrations in memory.
type ClientRepository struct {
	mu      sync.RWMutex
	clients map[string]oauth2.Client
}

// NewClientRepository creates an empty repository.
func NewClientRepository() *ClientRepository {
	return &ClientRepository{clients: make(map[string]oauth2.Client)}
}

// Save implements oauth2.ClientRepository.
func (r *ClientRepository) Save(_ context.Context, client *oauth2.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ClientID] = *client
	return nil
}

// Get implements oauth2.ClientRepository.
func (r *ClientRepository) Get(_ context.Context, clientID string) (*oauth2.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, oauth2.ErrClientNotFound
	}
	return &c, nil
}

// List implements oauth2.ClientRepository.
func (r *ClientRepository) List(_ context.Context) ([]*oauth2.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(r.clients))
	out := make([]*oauth2.Client, 0, len(ids))
	for _, id := range ids {
		c := r.clients[id]
		out = append(out, &c)
	}
	return out, nil
}

// Delete implements oauth2.ClientRepository.
func (r *ClientRepository) Delete(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
	return nil
}
