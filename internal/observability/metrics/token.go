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

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TokenMetrics records token endpoint outcomes. A nil *TokenMetrics is a
// valid no-op recorder.
type TokenMetrics struct {
	issued   metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// TokenMetrics creates the token endpoint instruments.
func (m *Meter) TokenMetrics() (*TokenMetrics, error) {
	issued, err := m.CreateCounter("tokenx.tokens.issued", "Number of access tokens issued by token exchange")
	if err != nil {
		return nil, err
	}
	failures, err := m.CreateCounter("tokenx.token_exchange.failures", "Number of rejected token exchange requests")
	if err != nil {
		return nil, err
	}
	duration, err := m.CreateHistogram("tokenx.token_exchange.duration", "Duration of token exchange requests", "s")
	if err != nil {
		return nil, err
	}
	return &TokenMetrics{issued: issued, failures: failures, duration: duration}, nil
}

// Issued records a successful exchange.
func (t *TokenMetrics) Issued(ctx context.Context, clientID string, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
	t.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("result", "success")))
}

// Failed records a rejected exchange by OAuth2 error code.
func (t *TokenMetrics) Failed(ctx context.Context, code string, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("error", code)))
	t.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("result", "failure")))
}
