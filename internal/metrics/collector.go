// Copyright 2025 Tom Barlow
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
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Collector exposes the engine's telemetry as OpenTelemetry metrics backed
// by a Prometheus exporter. It implements the engine's metric sink, so
// every timed metric and supportability counter the engine records shows
// up on the /metrics endpoint.
type Collector struct {
	mp           *sdkmetric.MeterProvider
	promExporter *prometheus.Exporter

	transactionsTotal metric.Int64Counter
	segmentsTotal     metric.Int64Counter
	countersTotal     metric.Int64Counter
	duration          metric.Float64Histogram
	exclusive         metric.Float64Histogram

	activeTransactions atomic.Int64
}

// NewCollector creates a collector registered with a fresh meter provider
// and Prometheus exporter.
func NewCollector(serviceName, version string) (*Collector, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // Empty schema URL to avoid merge conflicts
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	c := &Collector{
		mp:           mp,
		promExporter: promExporter,
	}

	meter := mp.Meter("tracewire")

	c.transactionsTotal, err = meter.Int64Counter(
		"tracewire_transactions_total",
		metric.WithDescription("Total number of finished transactions"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	c.segmentsTotal, err = meter.Int64Counter(
		"tracewire_segments_total",
		metric.WithDescription("Total number of finalized segments"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, err
	}

	c.countersTotal, err = meter.Int64Counter(
		"tracewire_counters_total",
		metric.WithDescription("Supportability and event counters keyed by name"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.duration, err = meter.Float64Histogram(
		"tracewire_duration_seconds",
		metric.WithDescription("Total duration of timed metrics in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.exclusive, err = meter.Float64Histogram(
		"tracewire_exclusive_seconds",
		metric.WithDescription("Exclusive duration of timed metrics in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"tracewire_active_transactions",
		metric.WithDescription("Number of transactions currently in flight"),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(c.activeTransactions.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordDuration implements the engine's metric sink. Scoped metrics are
// labeled with the owning transaction name; unscoped rollups carry an
// empty scope label. Transaction-level metrics (names starting with the
// category roots) also bump the transactions counter.
func (c *Collector) RecordDuration(name, scope string, total, exclusive time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("metric", name),
		attribute.String("scope", scope),
	)

	c.duration.Record(ctx, total.Seconds(), attrs)
	c.exclusive.Record(ctx, exclusive.Seconds(), attrs)

	if scope == "" {
		c.segmentsTotal.Add(ctx, 1, attrs)
	}
}

// Increment implements the engine's metric sink.
func (c *Collector) Increment(name string) {
	c.countersTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("counter", name),
	))
}

// TransactionStarted bumps the in-flight gauge.
func (c *Collector) TransactionStarted() {
	c.activeTransactions.Add(1)
}

// TransactionFinished decrements the in-flight gauge and counts the
// finished transaction.
func (c *Collector) TransactionFinished(name, category string) {
	c.activeTransactions.Add(-1)
	c.transactionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("transaction", name),
		attribute.String("category", category),
	))
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
// The OpenTelemetry prometheus exporter registers metrics with the default
// Prometheus registry, so we use promhttp.Handler() to expose them.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending metrics and releases resources.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.mp.Shutdown(ctx)
}
