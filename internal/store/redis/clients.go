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

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/opentrusty/tokenx/internal/oauth2"
	goredis "github.com/redis/go-redis/v9"
)

// ClientRepository stores client registrations in one Redis hash keyed by
// client id.
type ClientRepository struct {
	client goredis.UniversalClient
	key    string
}

// NewClientRepository creates a client repository on an existing client.
func NewClientRepository(client goredis.UniversalClient, prefix string) *ClientRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ClientRepository{client: client, key: prefix + ":clients"}
}

// Save implements oauth2.ClientRepository.
func (r *ClientRepository) Save(ctx context.Context, client *oauth2.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, client.ClientID, data).Err(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// Get implements oauth2.ClientRepository.
func (r *ClientRepository) Get(ctx context.Context, clientID string) (*oauth2.Client, error) {
	data, err := r.client.HGet(ctx, r.key, clientID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, oauth2.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return decodeClient(data)
}

// List implements oauth2.ClientRepository. Clients are ordered by id.
func (r *ClientRepository) List(ctx context.Context) ([]*oauth2.Client, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*oauth2.Client, 0, len(all))
	for _, data := range all {
		c, err := decodeClient([]byte(data))
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b *oauth2.Client) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return clients, nil
}

// Delete implements oauth2.ClientRepository.
func (r *ClientRepository) Delete(ctx context.Context, clientID string) error {
	if err := r.client.HDel(ctx, r.key, clientID).Err(); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

func decodeClient(data []byte) (*oauth2.Client, error) {
	var client oauth2.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}
