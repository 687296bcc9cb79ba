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

// Package redis stores the key generation in a single Redis key. Rotation
// uses WATCH/MULTI so concurrent writers race on the stored expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/tokenx/internal/keys"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the keys written by this package.
const DefaultKeyPrefix = "tokenx"

// Config holds Redis connection settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KeyRepository implements keys.Repository on Redis.
type KeyRepository struct {
	client goredis.UniversalClient
	key    string
	codec  keys.Codec
}

type keyRecord struct {
	CurrentKey  string    `json:"current_key"`
	PreviousKey string    `json:"previous_key"`
	NextKey     string    `json:"next_key"`
	Expiry      time.Time `json:"expiry"`
}

var errConditionFailed = errors.New("key record condition not met")

// New connects to Redis and returns a key repository.
func New(ctx context.Context, cfg Config, sealer keys.Sealer) (*KeyRepository, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewKeyRepositoryWithClient(client, cfg.KeyPrefix, sealer), nil
}

// NewKeyRepositoryWithClient creates a repository on an existing client.
func NewKeyRepositoryWithClient(client goredis.UniversalClient, prefix string, sealer keys.Sealer) *KeyRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeyRepository{
		client: client,
		key:    prefix + ":rsakeys:1",
		codec:  keys.Codec{Sealer: sealer},
	}
}

// Client returns the underlying Redis client.
func (r *KeyRepository) Client() goredis.UniversalClient {
	return r.client
}

// Close closes the Redis client connection.
func (r *KeyRepository) Close() error {
	return r.client.Close()
}

// Load implements keys.Repository.
func (r *KeyRepository) Load(ctx context.Context) (*keys.KeyGeneration, error) {
	rec, err := r.read(ctx, r.client)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, keys.ErrNoKeyGeneration
	}
	gen, err := r.codec.DecodeGeneration(rec.CurrentKey, rec.PreviousKey, rec.NextKey, rec.Expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}
	return gen, nil
}

// Save implements keys.Repository. The stored record is watched so that a
// concurrent write between the check and the update aborts this one.
func (r *KeyRepository) Save(ctx context.Context, gen *keys.KeyGeneration, previousExpiry time.Time) (bool, error) {
	current, previous, next, err := r.codec.EncodeGeneration(gen)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(keyRecord{
		CurrentKey:  current,
		PreviousKey: previous,
		NextKey:     next,
		Expiry:      gen.Expiry.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode key record: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *goredis.Tx) error {
		rec, err := r.read(ctx, tx)
		if err != nil {
			return err
		}
		if previousExpiry.IsZero() {
			if rec != nil {
				return errConditionFailed
			}
		} else if rec == nil || !rec.Expiry.Equal(previousExpiry) {
			return errConditionFailed
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, r.key, data, 0)
			return nil
		})
		return err
	}, r.key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errConditionFailed), errors.Is(err, goredis.TxFailedErr):
		return false, nil
	}
	return false, fmt.Errorf("failed to save keys: %w", err)
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (r *KeyRepository) read(ctx context.Context, c getter) (*keyRecord, error) {
	data, err := c.Get(ctx, r.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	return &rec, nil
}
