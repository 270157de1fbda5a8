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
	"errors"
	"testing"
	"time"

	"github.com/tracewire/tracewire/pkg/txn"
)

func TestSink_ConsumeAndClose(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	sink := NewSink(store, nil, SinkOptions{})

	trace := testTrace("txn-sink", "trace-sink", time.Now(), 5*time.Millisecond)
	sink.ConsumeTrace(trace)
	sink.ConsumeSpans([]txn.SpanEvent{{
		GUID:            "span-sink",
		TraceID:         "trace-sink",
		TransactionGUID: "txn-sink",
		Name:            "Controller/test",
		Category:        "generic",
		Timestamp:       time.Now(),
		Duration:        time.Millisecond,
		EntryPoint:      true,
	}})
	sink.ConsumeError(txn.NoticedError{
		TransactionGUID: "txn-sink",
		TraceID:         "trace-sink",
		TransactionName: "Controller/test",
		At:              time.Now(),
		Err:             errors.New("boom"),
	})

	// Close drains the queue, so everything is on disk afterwards.
	sink.Close()

	ctx := context.Background()
	if _, err := store.GetTrace(ctx, "txn-sink"); err != nil {
		t.Errorf("trace not written: %v", err)
	}
	count, err := store.CountSpans(ctx, "trace-sink")
	if err != nil {
		t.Fatalf("count spans failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 span, got %d", count)
	}
	var errCount int64
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM errors").Scan(&errCount); err != nil {
		t.Fatalf("count errors failed: %v", err)
	}
	if errCount != 1 {
		t.Errorf("expected 1 error row, got %d", errCount)
	}
	if sink.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", sink.Dropped())
	}
}

func TestSink_EmptySpanBatchIgnored(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	sink := NewSink(store, nil, SinkOptions{QueueSize: 1})
	sink.ConsumeSpans(nil)
	sink.Close()

	if sink.Dropped() != 0 {
		t.Errorf("empty batch should not occupy the queue")
	}
}

func TestSink_Prune(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := testTrace("txn-old", "t", time.Now().Add(-10*time.Hour), time.Millisecond)
	if err := store.StoreTrace(ctx, old); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	sink := NewSink(store, nil, SinkOptions{Retention: time.Hour})
	defer sink.Close()

	if err := sink.Prune(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if _, err := store.GetTrace(ctx, "txn-old"); err == nil {
		t.Error("expected trace outside retention to be pruned")
	}
}

func TestSink_PruneDisabled(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := testTrace("txn-keep", "t", time.Now().Add(-10*time.Hour), time.Millisecond)
	if err := store.StoreTrace(ctx, old); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	sink := NewSink(store, nil, SinkOptions{})
	defer sink.Close()

	if err := sink.Prune(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if _, err := store.GetTrace(ctx, "txn-keep"); err != nil {
		t.Errorf("prune with zero retention must keep everything: %v", err)
	}
}
