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

package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tracewire/tracewire/internal/log"
	"github.com/tracewire/tracewire/pkg/txn"
)

const defaultExportTimeout = 30 * time.Second

// Bridge replays finished span events through an OTLP span exporter. The
// original trace and span ids are preserved so exported spans join the
// same distributed trace the upstream and downstream services report.
type Bridge struct {
	exporter sdktrace.SpanExporter
	res      *resource.Resource
	scope    instrumentation.Scope
	logger   *slog.Logger
	timeout  time.Duration
}

// NewBridge creates a bridge over the given exporter.
func NewBridge(exporter sdktrace.SpanExporter, serviceName, version string, logger *slog.Logger, timeout time.Duration) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultExportTimeout
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL to avoid conflicts
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		res = resource.Default()
	}
	return &Bridge{
		exporter: exporter,
		res:      res,
		scope:    instrumentation.Scope{Name: "tracewire", Version: version},
		logger:   log.WithComponent(logger, "export"),
		timeout:  timeout,
	}
}

// ConsumeSpans converts a batch of span events into OTLP spans and exports
// them. The batch shares one trace id; events with malformed ids are
// skipped.
func (b *Bridge) ConsumeSpans(spans []txn.SpanEvent) {
	if len(spans) == 0 {
		return
	}

	snapshots := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		snapshot, err := b.snapshot(span)
		if err != nil {
			b.logger.Debug("skipping unexportable span",
				slog.String("span_id", span.GUID),
				slog.String("error", err.Error()))
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	if len(snapshots) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.exporter.ExportSpans(ctx, snapshots); err != nil {
		b.logger.Error("span export failed",
			slog.Int("count", len(snapshots)),
			slog.String("error", err.Error()))
	}
}

// Shutdown flushes and closes the underlying exporter.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.exporter.Shutdown(ctx)
}

func (b *Bridge) snapshot(span txn.SpanEvent) (sdktrace.ReadOnlySpan, error) {
	traceID, err := oteltrace.TraceIDFromHex(span.TraceID)
	if err != nil {
		return nil, fmt.Errorf("bad trace id %q: %w", span.TraceID, err)
	}
	spanID, err := oteltrace.SpanIDFromHex(span.GUID)
	if err != nil {
		return nil, fmt.Errorf("bad span id %q: %w", span.GUID, err)
	}

	var parent oteltrace.SpanContext
	if span.ParentGUID != "" {
		parentID, err := oteltrace.SpanIDFromHex(span.ParentGUID)
		if err != nil {
			return nil, fmt.Errorf("bad parent id %q: %w", span.ParentGUID, err)
		}
		parent = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: oteltrace.FlagsSampled,
		})
	}

	kind := oteltrace.SpanKindInternal
	if span.EntryPoint {
		kind = oteltrace.SpanKindServer
	}

	attrs := []attribute.KeyValue{
		attribute.String("tracewire.category", span.Category),
		attribute.String("tracewire.transaction_id", span.TransactionGUID),
		attribute.Float64("tracewire.priority", span.Priority),
	}
	for key, value := range span.Params {
		attrs = append(attrs, paramAttribute(key, value))
	}

	stub := tracetest.SpanStub{
		Name: span.Name,
		SpanContext: oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: oteltrace.FlagsSampled,
		}),
		Parent:               parent,
		SpanKind:             kind,
		StartTime:            span.Timestamp,
		EndTime:              span.Timestamp.Add(span.Duration),
		Attributes:           attrs,
		Resource:             b.res,
		InstrumentationScope: b.scope,
	}
	return stub.Snapshot(), nil
}

func paramAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
