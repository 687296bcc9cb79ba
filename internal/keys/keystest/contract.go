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

// Package keystest checks keys.Repository implementations against the shared
// save contract.
package keystest

import (
	"context"
	"testing"
	"time"

	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunRepositoryContract exercises the Save and Load rules every backend must
// share. newRepo must return an empty repository on each call.
func RunRepositoryContract(t *testing.T, newRepo func(t *testing.T) keys.Repository) {
	t.Helper()

	t.Run("rotation against missing record is refused", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		gen, err := keys.NewKeyGeneration(keys.GenerateECKey, time.Now(), time.Hour)
		require.NoError(t, err)

		applied, err := repo.Save(ctx, gen, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, applied)

		_, err = repo.Load(ctx)
		assert.ErrorIs(t, err, keys.ErrNoKeyGeneration)
	})

	t.Run("bootstrap applies once", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		first, err := keys.NewKeyGeneration(keys.GenerateECKey, time.Now(), time.Hour)
		require.NoError(t, err)
		second, err := keys.NewKeyGeneration(keys.GenerateECKey, time.Now(), time.Hour)
		require.NoError(t, err)

		applied, err := repo.Save(ctx, first, time.Time{})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = repo.Save(ctx, second, time.Time{})
		require.NoError(t, err)
		assert.False(t, applied)

		loaded, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.True(t, loaded.Equal(first))
	})

	t.Run("rotation applies only against stored expiry", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		now := time.Now()
		gen, err := keys.NewKeyGeneration(keys.GenerateECKey, now, time.Hour)
		require.NoError(t, err)
		applied, err := repo.Save(ctx, gen, time.Time{})
		require.NoError(t, err)
		require.True(t, applied)

		fresh, err := keys.GenerateECKey()
		require.NoError(t, err)
		rotated := gen.Rotate(fresh, now.Add(2*time.Hour), time.Hour)

		applied, err = repo.Save(ctx, rotated, gen.Expiry.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = repo.Save(ctx, rotated, gen.Expiry)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = repo.Save(ctx, rotated, gen.Expiry)
		require.NoError(t, err)
		assert.False(t, applied, "a replayed rotation must not apply twice")

		loaded, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.True(t, loaded.Equal(rotated))
	})
}
