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

// Package export ships finished span events to external observability
// platforms over OTLP, or to stdout for development.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// Protocol names accepted by NewExporter.
const (
	ProtocolGRPC   = "grpc"
	ProtocolHTTP   = "http"
	ProtocolStdout = "stdout"
)

// Options selects and configures the span exporter.
type Options struct {
	// Protocol is one of "grpc", "http", or "stdout".
	Protocol string

	// Endpoint is the collector endpoint, e.g. "localhost:4317".
	// Ignored for the stdout protocol.
	Endpoint string

	// Insecure disables TLS. Development only.
	Insecure bool

	// Headers contains custom headers sent with each request.
	Headers map[string]string

	// Writer overrides the stdout protocol's destination.
	Writer io.Writer
}

// NewExporter creates a span exporter for the configured protocol.
func NewExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Protocol {
	case ProtocolGRPC:
		return newGRPCExporter(ctx, opts)
	case ProtocolHTTP:
		return newHTTPExporter(ctx, opts)
	case ProtocolStdout:
		return newStdoutExporter(opts)
	default:
		return nil, fmt.Errorf("unknown export protocol: %q", opts.Protocol)
	}
}

func newGRPCExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	grpcOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
	}

	if opts.Insecure {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
	} else {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(creds))
	}

	if len(opts.Headers) > 0 {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

func newHTTPExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	httpOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(opts.Endpoint),
	}

	if opts.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	} else {
		httpOpts = append(httpOpts, otlptracehttp.WithTLSClientConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(opts.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}

func newStdoutExporter(opts Options) (sdktrace.SpanExporter, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(writer),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exporter, nil
}
