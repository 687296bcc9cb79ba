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

// Package token implements RFC 8693 token exchange: subject tokens from
// trusted identity providers are verified and re-issued as access tokens
// signed with the local key store.
package token

import "errors"

var (
	// ErrUnsupportedTokenType is returned for subject token types other than JWT.
	ErrUnsupportedTokenType = errors.New("unsupported subject token type")
)
