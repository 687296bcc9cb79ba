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

// Package oidc publishes this server's metadata and discovers the metadata
// of trusted providers.
package oidc

import (
	"github.com/opentrusty/tokenx/internal/jwks"
	"github.com/opentrusty/tokenx/internal/oauth2"
)

// Endpoint paths relative to the issuer URL.
const (
	PathToken        = "/token"
	PathJWKS         = "/jwks"
	PathRegistration = "/registration/client"
)

// Metadata represents Authorization Server Metadata (RFC 8414 Section 2).
// It is served for both the OAuth and the OpenID well-known locations.
type Metadata struct {
	Issuer                                string   `json:"issuer"`
	TokenEndpoint                         string   `json:"token_endpoint"`
	JWKSURI                               string   `json:"jwks_uri"`
	RegistrationEndpoint                  string   `json:"registration_endpoint,omitempty"`
	GrantTypesSupported                   []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported     []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgsSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	SubjectTokenTypesSupported            []string `json:"subject_token_types_supported,omitempty"`
}

// NewMetadata describes the server identified by issuer.
func NewMetadata(issuer string) Metadata {
	return Metadata{
		Issuer:                                issuer,
		TokenEndpoint:                         issuer + PathToken,
		JWKSURI:                               issuer + PathJWKS,
		RegistrationEndpoint:                  issuer + PathRegistration,
		GrantTypesSupported:                   []string{oauth2.GrantTypeTokenExchange},
		TokenEndpointAuthMethodsSupported:     []string{oauth2.AuthMethodPrivateKeyJWT},
		TokenEndpointAuthSigningAlgsSupported: jwks.SupportedAlgorithms(),
		SubjectTokenTypesSupported:            []string{oauth2.TokenTypeJWT},
	}
}
