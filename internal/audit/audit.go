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

package audit

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/opentrusty/tokenx/internal/observability/logger"
)

// Audit event types.
const (
	TypeTokenIssued          = "token_issued"
	TypeTokenExchangeFailed  = "token_exchange_failed"
	TypeKeyStoreInitialized  = "key_store_initialized"
	TypeKeyRotated           = "key_rotated"
	TypeClientRegistered     = "client_registered"
	TypeClientDeleted        = "client_deleted"
	TypeAuthenticationFailed = "authentication_failed"
)

// Event is one security-relevant action.
type Event struct {
	Type      string
	ActorID   string
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
	IPAddress string
	UserAgent string
}

// Logger records audit events.
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger writes audit events to the default slog logger.
type SlogLogger struct {
	now func() time.Time
}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{now: time.Now}
}

// Log writes event as a single AUDIT_EVENT record at INFO. Metadata keys are
// emitted in sorted order and values under secret-looking keys are redacted.
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
		if l.now != nil {
			event.Timestamp = l.now()
		}
	}

	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs,
		logger.Component("audit"),
		slog.String("audit_type", event.Type),
		slog.String("actor_id", event.ActorID),
		slog.String("resource", event.Resource),
		slog.Time("timestamp", event.Timestamp.UTC()),
	)
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, logger.UserAgent(event.UserAgent))
	}
	if meta := redacted(event.Metadata); len(meta) > 0 {
		attrs = append(attrs, slog.Attr{Key: "metadata", Value: slog.GroupValue(meta...)})
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "AUDIT_EVENT", attrs...)
}

func redacted(metadata map[string]any) []slog.Attr {
	out := make([]slog.Attr, 0, len(metadata))
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		v := metadata[k]
		if isSecret(k) {
			v = "[REDACTED]"
		}
		out = append(out, slog.Any(k, v))
	}
	return out
}

// isSecret reports whether key names a credential-bearing value.
func isSecret(key string) bool {
	key = strings.ToLower(key)
	return slices.ContainsFunc(secretMarkers, func(m string) bool {
		return strings.Contains(key, m)
	})
}

var secretMarkers = []string{"password", "secret", "token", "key", "authorization", "hash", "credential", "assertion"}
