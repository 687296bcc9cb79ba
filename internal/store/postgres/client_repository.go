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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/tokenx/internal/oauth2"
)

// ClientRepository implements oauth2.ClientRepository
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// Save creates or replaces a client
func (r *ClientRepository) Save(ctx context.Context, client *oauth2.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO clients (client_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, client.ClientID, data, client.CreatedAt, client.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	return nil
}

// Get retrieves a client by client_id
func (r *ClientRepository) Get(ctx context.Context, clientID string) (*oauth2.Client, error) {
	var data []byte
	err := r.db.pool.QueryRow(ctx, `
		SELECT data FROM clients WHERE client_id = $1
	`, clientID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return decodeClient(data)
}

// List retrieves all clients
func (r *ClientRepository) List(ctx context.Context) ([]*oauth2.Client, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT data FROM clients ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	clients := []*oauth2.Client{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		client, err := decodeClient(data)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}

	return clients, rows.Err()
}

// Delete removes a client
func (r *ClientRepository) Delete(ctx context.Context, clientID string) error {
	if _, err := r.db.pool.Exec(ctx, `DELETE FROM clients WHERE client_id = $1`, clientID); err != nil {
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
