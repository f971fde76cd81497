// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics instruments the proxy with OpenTelemetry metrics exported
// through a Prometheus registry on the admin mux.
package metrics

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "ccproxy"

// Setup wires an OpenTelemetry MeterProvider to the given Prometheus registry
// and returns a Meter plus a shutdown function.
func Setup(registry *promclient.Registry) (metric.Meter, func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return mp.Meter(meterName), mp.Shutdown, nil
}

// Metrics records per-request and credential-refresh measurements.
type Metrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	refreshes metric.Int64Counter
	retries   metric.Int64Counter
}

// New creates the instrument set on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("ccproxy.requests",
		metric.WithDescription("Requests handled, by routing label and status."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("ccproxy.request.duration",
		metric.WithDescription("Request handling duration."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("ccproxy.oauth.refreshes",
		metric.WithDescription("OAuth token refresh attempts, by provider and outcome."))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("ccproxy.retries.auth",
		metric.WithDescription("401-triggered refresh-retry cycles, by outcome."))
	if err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, duration: duration, refreshes: refreshes, retries: retries}, nil
}

// RecordRequest records one handled request.
func (m *Metrics) RecordRequest(ctx context.Context, label, provider string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("label", orUnknown(label)),
		attribute.String("provider", orUnknown(provider)),
		attribute.Int("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordRefresh records one OAuth refresh attempt.
func (m *Metrics) RecordRefresh(ctx context.Context, provider string, ok bool) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", orUnknown(provider)),
		attribute.Bool("success", ok),
	))
}

// RecordAuthRetry records one 401 refresh-retry cycle.
func (m *Metrics) RecordAuthRetry(ctx context.Context, provider string, ok bool) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", orUnknown(provider)),
		attribute.Bool("success", ok),
	))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
