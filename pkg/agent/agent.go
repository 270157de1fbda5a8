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

// Package agent wires the transaction engine to its configured sinks:
// in-memory buffers, Prometheus metrics, SQLite persistence, and OTLP
// export. An Agent is the entry point applications use to start
// transactions.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tracewire/tracewire/internal/config"
	"github.com/tracewire/tracewire/internal/export"
	"github.com/tracewire/tracewire/internal/log"
	"github.com/tracewire/tracewire/internal/metrics"
	"github.com/tracewire/tracewire/internal/storage"
	"github.com/tracewire/tracewire/pkg/sampler"
	"github.com/tracewire/tracewire/pkg/sink"
	"github.com/tracewire/tracewire/pkg/txn"
)

const pruneInterval = time.Hour

// Options customizes agent construction beyond the configuration file.
type Options struct {
	// Logger overrides the logger built from the config's log section.
	Logger *slog.Logger

	// Version is reported on exported spans and metrics.
	Version string
}

// Agent owns the sink pipeline and hands out transactions wired to it.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	collector *metrics.Collector

	metricStore *sink.MetricStore
	traceBuf    *sink.TraceBuffer
	spanBuf     *sink.SpanBuffer
	errorBuf    *sink.ErrorBuffer

	store       *storage.SQLiteStore
	storageSink *storage.Sink
	bridge      *export.Bridge

	metricSink txn.MetricSink
	traceSink  txn.TraceSink
	spanSink   txn.SpanSink
	errorSink  txn.ErrorSink

	mu            sync.Mutex
	resolver      *sampler.Resolver
	segmentLimit  int
	propagation   txn.PropagationOptions
	metricsServer *http.Server
	stopCh        chan struct{}
	doneCh        chan struct{}
	started       bool
	closed        bool
}

// New builds an agent from the configuration. Construction opens the
// storage database and export connection when those sections are
// enabled; Start is still required for the metrics endpoint and the
// retention prune loop.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
		})
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	a := &Agent{
		cfg:          cfg,
		logger:       log.WithComponent(logger, "agent"),
		version:      version,
		resolver:     sampler.NewResolver(cfg.SamplerConfig(), logger),
		segmentLimit: cfg.Tracing.SegmentLimit,
		propagation:  cfg.PropagationOptions(),
		metricStore:  sink.NewMetricStore(),
		traceBuf:     sink.NewTraceBuffer(0),
		spanBuf:      sink.NewSpanBuffer(0),
		errorBuf:     sink.NewErrorBuffer(0),
	}

	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(cfg.AppName, version)
		if err != nil {
			return nil, err
		}
		a.collector = collector
	}

	if cfg.Storage.Enabled {
		var key *storage.EncryptionKey
		if cfg.Storage.EncryptionKey != "" {
			raw, err := config.ParseEncryptionKey(cfg.Storage.EncryptionKey)
			if err != nil {
				return nil, err
			}
			key, err = storage.NewEncryptionKey(raw)
			if err != nil {
				return nil, err
			}
		}
		store, err := storage.New(storage.Config{
			Path:          cfg.Storage.Path,
			EncryptionKey: key,
		})
		if err != nil {
			return nil, err
		}
		a.store = store
		a.storageSink = storage.NewSink(store, logger, storage.SinkOptions{
			Retention: cfg.Storage.Retention,
		})
	}

	if cfg.Export.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Export.Timeout)
		exporter, err := export.NewExporter(ctx, export.Options{
			Protocol: cfg.Export.Protocol,
			Endpoint: cfg.Export.Endpoint,
			Insecure: cfg.Export.Insecure,
		})
		cancel()
		if err != nil {
			a.closeStorage()
			return nil, err
		}
		a.bridge = export.NewBridge(exporter, cfg.AppName, version, logger, cfg.Export.Timeout)
	}

	a.wireSinks()
	return a, nil
}

// wireSinks builds the fanout chains from whichever backends exist.
func (a *Agent) wireSinks() {
	msinks := sink.MetricFanout{a.metricStore}
	if a.collector != nil {
		msinks = append(msinks, a.collector)
	}
	a.metricSink = msinks

	tsinks := sink.TraceFanout{a.traceBuf}
	ssinks := sink.SpanFanout{a.spanBuf}
	esinks := sink.ErrorFanout{a.errorBuf}
	if a.storageSink != nil {
		tsinks = append(tsinks, a.storageSink)
		ssinks = append(ssinks, a.storageSink)
		esinks = append(esinks, a.storageSink)
	}
	if a.bridge != nil {
		ssinks = append(ssinks, a.bridge)
	}
	a.traceSink = tsinks
	a.spanSink = ssinks
	a.errorSink = esinks
}

// StartTransaction begins a transaction wired to the agent's sinks.
func (a *Agent) StartTransaction(name string, category txn.Category) *txn.Transaction {
	a.mu.Lock()
	resolver := a.resolver
	limit := a.segmentLimit
	propagation := a.propagation
	a.mu.Unlock()

	t := txn.Start(txn.Options{
		Name:         name,
		Category:     category,
		SegmentLimit: limit,
		Resolver:     resolver,
		Metrics:      a.metricSink,
		Traces:       a.traceSink,
		Spans:        a.spanSink,
		Errors:       a.errorSink,
		Logger:       a.logger,
		Propagation:  propagation,
	})
	if a.collector != nil {
		a.collector.TransactionStarted()
	}
	return t
}

// FinishTransaction ends the transaction and updates the active gauge.
// Equivalent to t.End() when no collector is wired.
func (a *Agent) FinishTransaction(t *txn.Transaction) {
	t.End()
	if a.collector != nil {
		a.collector.TransactionFinished(t.FinalName(), string(t.Category()))
	}
}

// Start launches the metrics endpoint and the retention prune loop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}
	a.started = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	if a.collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.collector.Handler())
		a.metricsServer = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics endpoint listening",
				slog.String("addr", a.cfg.Metrics.Listen))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	go a.pruneLoop()
	return nil
}

func (a *Agent) pruneLoop() {
	defer close(a.doneCh)
	if a.storageSink == nil {
		<-a.stopCh
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := a.storageSink.Prune(ctx); err != nil {
				a.logger.Error("retention prune failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-a.stopCh:
			return
		}
	}
}

// ApplyConfig takes a freshly loaded configuration and applies the parts
// that can change at runtime: sampling strategies, the segment ceiling,
// and propagation identity. Storage, export, and metrics topology stay
// fixed until restart.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolver = sampler.NewResolver(cfg.SamplerConfig(), a.logger)
	a.segmentLimit = cfg.Tracing.SegmentLimit
	a.propagation = cfg.PropagationOptions()
	a.logger.Info("configuration reloaded",
		slog.String("sampling_strategy", cfg.Sampling.Strategy))
}

// Metrics exposes the in-memory metric store.
func (a *Agent) Metrics() *sink.MetricStore { return a.metricStore }

// Traces exposes the in-memory trace buffer.
func (a *Agent) Traces() *sink.TraceBuffer { return a.traceBuf }

// Spans exposes the in-memory span buffer.
func (a *Agent) Spans() *sink.SpanBuffer { return a.spanBuf }

// Errors exposes the in-memory error buffer.
func (a *Agent) Errors() *sink.ErrorBuffer { return a.errorBuf }

// Store exposes the storage backend, nil when storage is disabled.
func (a *Agent) Store() *storage.SQLiteStore { return a.store }

// Close stops the background loops and flushes every sink. Safe to call
// whether or not Start ran.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.started {
		close(a.stopCh)
		<-a.doneCh
	}

	var errs []error
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) closeStorage() error {
	if a.storageSink != nil {
		a.storageSink.Close()
		a.storageSink = nil
	}
	if a.store != nil {
		err := a.store.Close()
		a.store = nil
		return err
	}
	return nil
}
