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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	return dir
}

// TestPurpose: Validates configuration defaults and environment overrides.
// Scope: Unit Test
// Security: Configuration Integrity
// Expected: Defaults apply when unset; comma-separated issuers become well-known entries.
// Test Case ID: CFG-01
func TestLoad_Environment(t *testing.T) {
	isolate(t)
	t.Setenv("ISSUER_URL", "https://tokenx.example.com/")
	t.Setenv("KEYSTORE_DRIVER", DriverMemory)
	t.Setenv("TOKEN_LIFETIME", "120s")
	t.Setenv("SUBJECT_TOKEN_ISSUERS", "https://idp-a/.well-known/openid-configuration, ,https://idp-b/.well-known/openid-configuration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://tokenx.example.com", cfg.Token.IssuerURL)
	assert.Equal(t, 120*time.Second, cfg.Token.Lifetime)
	assert.Equal(t, 24*time.Hour, cfg.KeyStore.RotationInterval)
	assert.Equal(t, "8080", cfg.Server.Port)
	require.Len(t, cfg.Token.SubjectTokenIssuers, 2)
	assert.Equal(t, "https://idp-b/.well-known/openid-configuration", cfg.Token.SubjectTokenIssuers[1].WellKnownURL)
	assert.False(t, cfg.ClientRegistrationAuth.Configured())
}

// TestPurpose: Validates loading of a .env file and a trusted issuers YAML file.
// Scope: Unit Test
// Security: Trust Configuration
// Expected: .env values are applied; YAML issuers are appended and registration auth is read.
// Test Case ID: CFG-02
func TestLoad_Files(t *testing.T) {
	dir := isolate(t)

	envFile := filepath.Join(dir, "tokenx.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ISSUER_URL=https://tokenx.local\nKEYSTORE_DRIVER=memory\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)

	issuers := filepath.Join(dir, "issuers.yaml")
	require.NoError(t, os.WriteFile(issuers, []byte(`
subject_token_issuers:
  - issuer: https://static-idp
    jwks_uri: https://static-idp/keys
client_registration_auth:
  well_known_url: https://admin-idp/.well-known/openid-configuration
  accepted_audience: [api://tokenx]
  accepted_roles: [client.register]
`), 0o600))
	t.Setenv("TRUSTED_ISSUERS_FILE", issuers)
	t.Setenv("SUBJECT_TOKEN_ISSUERS", "https://env-idp/.well-known/openid-configuration")

	// godotenv never overrides variables already present in the process.
	t.Setenv("ISSUER_URL", "")
	os.Unsetenv("ISSUER_URL")
	t.Setenv("KEYSTORE_DRIVER", "")
	os.Unsetenv("KEYSTORE_DRIVER")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://tokenx.local", cfg.Token.IssuerURL)
	require.Len(t, cfg.Token.SubjectTokenIssuers, 2)
	assert.Equal(t, "https://static-idp", cfg.Token.SubjectTokenIssuers[1].Issuer)
	assert.Equal(t, "https://static-idp/keys", cfg.Token.SubjectTokenIssuers[1].JWKSURI)

	auth := cfg.ClientRegistrationAuth
	assert.True(t, auth.Configured())
	assert.Equal(t, []string{"api://tokenx"}, auth.AcceptedAudience)
	assert.Equal(t, []string{"client.register"}, auth.AcceptedRoles)
}

// TestPurpose: Validates rejection of incomplete or inconsistent configuration.
// Scope: Unit Test
// Security: Fail-Closed Startup
// Expected: Each case returns an error naming the offending setting.
// Test Case ID: CFG-03
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			KeyStore: KeyStoreConfig{Driver: DriverMemory, RotationInterval: time.Hour},
			Token:    TokenConfig{IssuerURL: "https://tokenx", Lifetime: time.Minute},
			JWKS: JWKSConfig{
				CacheSize: 1, CacheTTL: time.Hour,
				RateLimitBucket: 1, RateLimitWindow: time.Minute, FetchTimeout: time.Second,
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing issuer url", func(c *Config) { c.Token.IssuerURL = "" }, "ISSUER_URL"},
		{"unknown driver", func(c *Config) { c.KeyStore.Driver = "etcd" }, "KEYSTORE_DRIVER"},
		{"postgres without password", func(c *Config) { c.KeyStore.Driver = DriverPostgres }, "DB_PASSWORD"},
		{"redis without address", func(c *Config) { c.KeyStore.Driver = DriverRedis }, "REDIS_ADDR"},
		{"passphrase without salt", func(c *Config) {
			c.KeyStore.EncryptionPassphrase = "secret"
		}, "KEY_ENCRYPTION_SALT"},
		{"passphrase with short salt", func(c *Config) {
			c.KeyStore.EncryptionPassphrase = "secret"
			c.KeyStore.EncryptionSalt = "tokenx"
		}, "KEY_ENCRYPTION_SALT"},
		{"zero lifetime", func(c *Config) { c.Token.Lifetime = 0 }, "TOKEN_LIFETIME"},
		{"zero cache size", func(c *Config) { c.JWKS.CacheSize = 0 }, "JWKS_CACHE_SIZE"},
		{"issuer without jwks uri", func(c *Config) {
			c.Token.SubjectTokenIssuers = []IssuerConfig{{Issuer: "https://idp"}}
		}, "subject token issuer 0"},
		{"registration auth without audience", func(c *Config) {
			c.ClientRegistrationAuth.WellKnownURL = "https://admin/.well-known/openid-configuration"
		}, "ACCEPTED_AUDIENCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
