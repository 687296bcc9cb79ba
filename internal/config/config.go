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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Key store drivers
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server                 ServerConfig
	Database               DatabaseConfig
	Redis                  RedisConfig
	KeyStore               KeyStoreConfig
	Token                  TokenConfig
	ClientRegistrationAuth BearerAuthConfig
	JWKS                   JWKSConfig
	Observability          ObservabilityConfig
	RateLimit              RateLimitConfig
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnectRetries int
}

// RedisConfig holds Redis configuration for the redis key store driver
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KeyStoreConfig holds signing key configuration
type KeyStoreConfig struct {
	Driver               string
	RotationInterval     time.Duration
	EncryptionPassphrase string
	EncryptionSalt       string
}

// IssuerConfig identifies a trusted token issuer, either by its discovery
// document or by issuer and JWKS URI.
type IssuerConfig struct {
	WellKnownURL string `yaml:"well_known_url"`
	Issuer       string `yaml:"issuer"`
	JWKSURI      string `yaml:"jwks_uri"`
}

// Configured reports whether any location is set.
func (c IssuerConfig) Configured() bool {
	return c.WellKnownURL != "" || c.Issuer != "" || c.JWKSURI != ""
}

func (c IssuerConfig) validate(name string) error {
	if c.WellKnownURL == "" && (c.Issuer == "" || c.JWKSURI == "") {
		return fmt.Errorf("%s requires a well-known URL or both issuer and jwks_uri", name)
	}
	return nil
}

// TokenConfig holds token exchange configuration
type TokenConfig struct {
	IssuerURL           string
	Lifetime            time.Duration
	SubjectTokenIssuers []IssuerConfig
}

// BearerAuthConfig protects the client registration API
type BearerAuthConfig struct {
	IssuerConfig     `yaml:",inline"`
	AcceptedAudience []string `yaml:"accepted_audience"`
	AcceptedRoles    []string `yaml:"accepted_roles"`
}

// JWKSConfig tunes fetching of remote key sets
type JWKSConfig struct {
	CacheSize       int
	CacheTTL        time.Duration
	RateLimitBucket int
	RateLimitWindow time.Duration
	FetchTimeout    time.Duration
}

// ObservabilityConfig holds logging, tracing and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	MetricsEnabled bool
	ServiceName    string
	ServiceVersion string
}

// issuersFile is the layout of TRUSTED_ISSUERS_FILE.
type issuersFile struct {
	SubjectTokenIssuers    []IssuerConfig    `yaml:"subject_token_issuers"`
	ClientRegistrationAuth *BearerAuthConfig `yaml:"client_registration_auth"`
}

// Load loads configuration from environment variables, after reading a
// .env file (ENV_FILE) when one exists.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "10s"),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "tokenx"),
			Password:       getEnv("DB_PASSWORD", ""),
			Database:       getEnv("DB_NAME", "tokenx"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:   parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:   parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnectRetries: parseInt("DB_CONNECT_RETRIES", 5),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        parseInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tokenx"),
		},
		KeyStore: KeyStoreConfig{
			Driver:               getEnv("KEYSTORE_DRIVER", DriverPostgres),
			RotationInterval:     parseDuration("KEY_ROTATION_INTERVAL", "24h"),
			EncryptionPassphrase: getEnv("KEY_ENCRYPTION_PASSPHRASE", ""),
			EncryptionSalt:       getEnv("KEY_ENCRYPTION_SALT", ""),
		},
		Token: TokenConfig{
			IssuerURL:           strings.TrimSuffix(getEnv("ISSUER_URL", ""), "/"),
			Lifetime:            parseDuration("TOKEN_LIFETIME", "300s"),
			SubjectTokenIssuers: wellKnownIssuers(parseList("SUBJECT_TOKEN_ISSUERS")),
		},
		ClientRegistrationAuth: BearerAuthConfig{
			IssuerConfig: IssuerConfig{
				WellKnownURL: getEnv("CLIENT_REGISTRATION_AUTH_WELL_KNOWN_URL", ""),
				Issuer:       getEnv("CLIENT_REGISTRATION_AUTH_ISSUER", ""),
				JWKSURI:      getEnv("CLIENT_REGISTRATION_AUTH_JWKS_URI", ""),
			},
			AcceptedAudience: parseList("CLIENT_REGISTRATION_AUTH_ACCEPTED_AUDIENCE"),
			AcceptedRoles:    parseList("CLIENT_REGISTRATION_AUTH_ACCEPTED_ROLES"),
		},
		JWKS: JWKSConfig{
			CacheSize:       parseInt("JWKS_CACHE_SIZE", 10),
			CacheTTL:        parseDuration("JWKS_CACHE_TTL", "24h"),
			RateLimitBucket: parseInt("JWKS_RATE_LIMIT_BUCKET", 10),
			RateLimitWindow: parseDuration("JWKS_RATE_LIMIT_WINDOW", "1m"),
			FetchTimeout:    parseDuration("JWKS_FETCH_TIMEOUT", "5s"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			MetricsEnabled: parseBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "tokenx"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if path := getEnv("TRUSTED_ISSUERS_FILE", ""); path != "" {
		if err := cfg.loadIssuersFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadIssuersFile appends the subject token issuers of a YAML file and, if
// present, replaces the client registration auth settings.
func (c *Config) loadIssuersFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read trusted issuers file: %w", err)
	}

	var f issuersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse trusted issuers file: %w", err)
	}

	c.Token.SubjectTokenIssuers = append(c.Token.SubjectTokenIssuers, f.SubjectTokenIssuers...)
	if f.ClientRegistrationAuth != nil {
		c.ClientRegistrationAuth = *f.ClientRegistrationAuth
	}
	return nil
}

// minEncryptionSaltLength matches keys.MinSaltLength.
const minEncryptionSaltLength = 16

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Token.IssuerURL == "" {
		errs = append(errs, errors.New("ISSUER_URL is required"))
	}

	switch c.KeyStore.Driver {
	case DriverPostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required"))
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown KEYSTORE_DRIVER %q", c.KeyStore.Driver))
	}

	if c.KeyStore.EncryptionPassphrase != "" && len(c.KeyStore.EncryptionSalt) < minEncryptionSaltLength {
		errs = append(errs, fmt.Errorf("KEY_ENCRYPTION_SALT of at least %d bytes is required with KEY_ENCRYPTION_PASSPHRASE", minEncryptionSaltLength))
	}

	durations := map[string]time.Duration{
		"KEY_ROTATION_INTERVAL":  c.KeyStore.RotationInterval,
		"TOKEN_LIFETIME":         c.Token.Lifetime,
		"JWKS_CACHE_TTL":         c.JWKS.CacheTTL,
		"JWKS_RATE_LIMIT_WINDOW": c.JWKS.RateLimitWindow,
		"JWKS_FETCH_TIMEOUT":     c.JWKS.FetchTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.JWKS.CacheSize <= 0 {
		errs = append(errs, errors.New("JWKS_CACHE_SIZE must be positive"))
	}
	if c.JWKS.RateLimitBucket <= 0 {
		errs = append(errs, errors.New("JWKS_RATE_LIMIT_BUCKET must be positive"))
	}

	for i, iss := range c.Token.SubjectTokenIssuers {
		if err := iss.validate(fmt.Sprintf("subject token issuer %d", i)); err != nil {
			errs = append(errs, err)
		}
	}

	if auth := c.ClientRegistrationAuth; auth.Configured() {
		if err := auth.validate("client registration auth"); err != nil {
			errs = append(errs, err)
		}
		if len(auth.AcceptedAudience) == 0 {
			errs = append(errs, errors.New("CLIENT_REGISTRATION_AUTH_ACCEPTED_AUDIENCE is required"))
		}
	}

	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

// parseList splits a comma-separated variable, dropping empty entries.
func parseList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func wellKnownIssuers(urls []string) []IssuerConfig {
	out := make([]IssuerConfig, 0, len(urls))
	for _, u := range urls {
		out = append(out, IssuerConfig{WellKnownURL: u})
	}
	return out
}
