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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/tokenx/internal/keys"
)

// keyRecordID is the fixed id of the single key generation row.
const keyRecordID = 1

// KeyRepository implements keys.Repository on the rsakeys table.
type KeyRepository struct {
	db    *DB
	codec keys.Codec
}

// NewKeyRepository creates a new key repository. Private keys are sealed
// with sealer before they are written.
func NewKeyRepository(db *DB, sealer keys.Sealer) *KeyRepository {
	return &KeyRepository{db: db, codec: keys.Codec{Sealer: sealer}}
}

// Load implements keys.Repository.
func (r *KeyRepository) Load(ctx context.Context) (*keys.KeyGeneration, error) {
	var current, previous, next string
	var expiry time.Time

	err := r.db.pool.QueryRow(ctx, `
		SELECT current_key, previous_key, next_key, expiry
		FROM rsakeys
		WHERE id = $1
	`, keyRecordID).Scan(&current, &previous, &next, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, keys.ErrNoKeyGeneration
		}
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	gen, err := r.codec.DecodeGeneration(current, previous, next, expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}
	return gen, nil
}

// Save implements keys.Repository. Bootstrap is an insert that does nothing on
// conflict; rotation is an update guarded by the stored expiry.
func (r *KeyRepository) Save(ctx context.Context, gen *keys.KeyGeneration, previousExpiry time.Time) (bool, error) {
	current, previous, next, err := r.codec.EncodeGeneration(gen)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO rsakeys (id, current_key, previous_key, next_key, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	args := []any{keyRecordID, current, previous, next, gen.Expiry}
	if !previousExpiry.IsZero() {
		query = `
			UPDATE rsakeys SET
				current_key = $2,
				previous_key = $3,
				next_key = $4,
				expiry = $5
			WHERE id = $1 AND expiry = $6
		`
		args = append(args, previousExpiry.UTC())
	}

	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to save keys: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
