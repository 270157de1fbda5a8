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

package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tracewire/tracewire/internal/log"
	"github.com/tracewire/tracewire/pkg/txn"
)

const defaultWriteQueue = 256

// Sink adapts a SQLiteStore to the transaction sink interfaces. Writes are
// queued and performed by a single background goroutine so that finishing a
// transaction never blocks on disk. When the queue is full, items are
// dropped and counted.
type Sink struct {
	store     *SQLiteStore
	logger    *slog.Logger
	retention time.Duration

	queue  chan func(context.Context)
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	dropped int64
}

// SinkOptions configures a storage sink.
type SinkOptions struct {
	// Retention bounds how long rows are kept. Zero disables pruning.
	Retention time.Duration

	// QueueSize bounds the pending write queue. Zero uses a default.
	QueueSize int
}

// NewSink creates a sink over the store and starts its writer goroutine.
func NewSink(store *SQLiteStore, logger *slog.Logger, opts SinkOptions) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultWriteQueue
	}

	s := &Sink{
		store:     store,
		logger:    log.WithComponent(logger, "storage"),
		retention: opts.Retention,
		queue:     make(chan func(context.Context), size),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ConsumeTrace queues a finished trace for persistence.
func (s *Sink) ConsumeTrace(trace *txn.Trace) {
	s.enqueue(func(ctx context.Context) {
		if err := s.store.StoreTrace(ctx, trace); err != nil {
			s.logger.Error("failed to store trace",
				slog.String("txn_id", trace.TransactionGUID),
				slog.String("error", err.Error()))
		}
	})
}

// ConsumeSpans queues a span batch for persistence.
func (s *Sink) ConsumeSpans(spans []txn.SpanEvent) {
	if len(spans) == 0 {
		return
	}
	s.enqueue(func(ctx context.Context) {
		if err := s.store.StoreSpans(ctx, spans); err != nil {
			s.logger.Error("failed to store spans",
				slog.Int("count", len(spans)),
				slog.String("error", err.Error()))
		}
	})
}

// ConsumeError queues a noticed error for persistence.
func (s *Sink) ConsumeError(e txn.NoticedError) {
	s.enqueue(func(ctx context.Context) {
		if err := s.store.StoreError(ctx, e); err != nil {
			s.logger.Error("failed to store error",
				slog.String("txn_id", e.TransactionGUID),
				slog.String("error", err.Error()))
		}
	})
}

// Dropped reports how many writes were discarded because the queue was
// full.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Prune deletes rows older than the retention window. No-op when
// retention is disabled.
func (s *Sink) Prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention)
	count, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Info("pruned stored traces",
			slog.Int64("count", count),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// Close drains pending writes and stops the writer goroutine. The store
// itself is not closed.
func (s *Sink) Close() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sink) enqueue(write func(context.Context)) {
	select {
	case s.queue <- write:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *Sink) writeLoop() {
	defer close(s.doneCh)
	ctx := context.Background()
	for {
		select {
		case write := <-s.queue:
			write(ctx)
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case write := <-s.queue:
					write(ctx)
				default:
					return
				}
			}
		}
	}
}
