// Copyright 2025 Kadir Pekel
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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records server activity. A nil *Metrics is valid and records
// nothing, so callers never need to check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	requests          metric.Int64Counter
	operations        metric.Int64Counter
	operationDuration metric.Float64Histogram
	activeOperations  metric.Int64UpDownCounter
	events            metric.Int64Counter
	interactions      metric.Int64Counter
	connections       metric.Int64UpDownCounter
	httpRequests      metric.Int64Counter
}

// NewMetrics creates the instruments and a private Prometheus registry. It
// returns nil when metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(DefaultServiceName)
	m := &Metrics{registry: registry, provider: provider}

	if m.requests, err = meter.Int64Counter("requests",
		metric.WithDescription("JSON-RPC messages dispatched, by method and error code")); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	if m.operations, err = meter.Int64Counter("operations",
		metric.WithDescription("Finished operations, by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	if m.operationDuration, err = meter.Float64Histogram("operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Operation duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}
	if m.activeOperations, err = meter.Int64UpDownCounter("active.operations",
		metric.WithDescription("Operations currently running")); err != nil {
		return nil, fmt.Errorf("failed to create active operations gauge: %w", err)
	}
	if m.events, err = meter.Int64Counter("stream.events",
		metric.WithDescription("Stream event notifications sent, by kind")); err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}
	if m.interactions, err = meter.Int64Counter("interactions",
		metric.WithDescription("Resolved interactions, by source")); err != nil {
		return nil, fmt.Errorf("failed to create interactions counter: %w", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("connections",
		metric.WithDescription("Open client connections")); err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter("http.requests",
		metric.WithDescription("Requests to the metrics and health endpoints")); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordRequest counts one dispatched message. code is 0 on success.
func (m *Metrics) RecordRequest(ctx context.Context, method string, code int) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", strconv.Itoa(code)),
	))
}

// OperationStarted marks an operation as running.
func (m *Metrics) OperationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeOperations.Add(ctx, 1)
}

// OperationFinished records how an operation ended.
func (m *Metrics) OperationFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.activeOperations.Add(ctx, -1)
	m.operations.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEvent counts one stream event notification.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInteraction counts one resolved interaction.
func (m *Metrics) RecordInteraction(ctx context.Context, source string, failed bool) {
	if m == nil {
		return
	}
	m.interactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("failed", failed),
	))
}

// ConnectionOpened and ConnectionClosed track open connections.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

func (m *Metrics) recordHTTP(ctx context.Context, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}
