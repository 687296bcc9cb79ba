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
	"context"
	"time"
)

// Repository persists the singleton key generation.
type Repository interface {
	// Load returns the stored generation.
	// Returns ErrNoKeyGeneration when nothing has been stored yet.
	Load(ctx context.Context) (*KeyGeneration, error)

	// Save writes gen under the fixed record id.
	// A zero previousExpiry only inserts when no record exists. A non-zero
	// previousExpiry only replaces an existing record whose expiry equals it;
	// when no record exists the write is not applied.
	// Returns whether the write was applied.
	Save(ctx context.Context, gen *KeyGeneration, previousExpiry time.Time) (bool, error)
}
