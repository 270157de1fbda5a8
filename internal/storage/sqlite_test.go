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
	"strings"
	"testing"
	"time"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
	"github.com/tracewire/tracewire/pkg/txn"
)

func testTrace(guid, traceID string, start time.Time, duration time.Duration) *txn.Trace {
	child := &txn.TraceNode{
		Entry:      5 * time.Millisecond,
		Exit:       duration - 5*time.Millisecond,
		MetricName: "Database/users/select",
		Params:     txn.Params{"statement": "SELECT 1"},
	}
	txnNode := &txn.TraceNode{
		Entry:      0,
		Exit:       duration,
		MetricName: "Controller/users/show",
		Children:   []*txn.TraceNode{child},
	}
	root := &txn.TraceNode{
		Entry:      0,
		Exit:       duration,
		MetricName: txn.RootNodeName,
		Children:   []*txn.TraceNode{txnNode},
	}
	return &txn.Trace{
		Root:            root,
		TransactionGUID: guid,
		TraceID:         traceID,
		Name:            "Controller/users/show",
		Category:        txn.CategoryWeb,
		StartTime:       start,
		Duration:        duration,
		TotalTime:       duration,
		Sampled:         true,
		Priority:        1.5,
	}
}

func TestSQLiteStore_StoreAndGetTrace(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	start := time.Now().Add(-time.Second)
	trace := testTrace("txn-1", "0123456789abcdef0123456789abcdef", start, 50*time.Millisecond)

	if err := store.StoreTrace(ctx, trace); err != nil {
		t.Fatalf("failed to store trace: %v", err)
	}

	retrieved, err := store.GetTrace(ctx, "txn-1")
	if err != nil {
		t.Fatalf("failed to get trace: %v", err)
	}

	if retrieved.TraceID != trace.TraceID {
		t.Errorf("expected trace_id %s, got %s", trace.TraceID, retrieved.TraceID)
	}
	if retrieved.Name != trace.Name {
		t.Errorf("expected name %s, got %s", trace.Name, retrieved.Name)
	}
	if retrieved.Duration != trace.Duration {
		t.Errorf("expected duration %v, got %v", trace.Duration, retrieved.Duration)
	}
	if !retrieved.Sampled {
		t.Error("expected sampled trace")
	}
	if retrieved.Priority != 1.5 {
		t.Errorf("expected priority 1.5, got %v", retrieved.Priority)
	}
	if retrieved.Root == nil {
		t.Fatal("expected decoded node tree")
	}
	if retrieved.Root.MetricName != txn.RootNodeName {
		t.Errorf("expected root node %s, got %s", txn.RootNodeName, retrieved.Root.MetricName)
	}
	if retrieved.Root.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", retrieved.Root.NodeCount())
	}
	dbNode := retrieved.Root.Children[0].Children[0]
	if dbNode.MetricName != "Database/users/select" {
		t.Errorf("expected database node, got %s", dbNode.MetricName)
	}
	if dbNode.Params["statement"] != "SELECT 1" {
		t.Errorf("expected statement param, got %v", dbNode.Params["statement"])
	}
}

func TestSQLiteStore_StoreTraceUpsert(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	start := time.Now()
	trace := testTrace("txn-up", "abc", start, 10*time.Millisecond)

	if err := store.StoreTrace(ctx, trace); err != nil {
		t.Fatalf("first store failed: %v", err)
	}
	trace.Duration = 20 * time.Millisecond
	if err := store.StoreTrace(ctx, trace); err != nil {
		t.Fatalf("second store failed: %v", err)
	}

	retrieved, err := store.GetTrace(ctx, "txn-up")
	if err != nil {
		t.Fatalf("failed to get trace: %v", err)
	}
	if retrieved.Duration != 20*time.Millisecond {
		t.Errorf("expected updated duration, got %v", retrieved.Duration)
	}
}

func TestSQLiteStore_GetTraceNotFound(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	_, err = store.GetTrace(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing trace")
	}
	var storageErr *twerrors.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("expected StorageError, got %T", err)
	}
}

func TestSQLiteStore_ListTraces(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, tc := range []struct {
		guid     string
		traceID  string
		offset   time.Duration
		duration time.Duration
	}{
		{"txn-a", "trace-1", 0, 10 * time.Millisecond},
		{"txn-b", "trace-1", 10 * time.Minute, 100 * time.Millisecond},
		{"txn-c", "trace-2", 20 * time.Minute, 500 * time.Millisecond},
	} {
		trace := testTrace(tc.guid, tc.traceID, base.Add(tc.offset), tc.duration)
		if err := store.StoreTrace(ctx, trace); err != nil {
			t.Fatalf("store %d failed: %v", i, err)
		}
	}

	all, err := store.ListTraces(ctx, TraceFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(all))
	}
	// Newest start first.
	if all[0].TransactionGUID != "txn-c" {
		t.Errorf("expected txn-c first, got %s", all[0].TransactionGUID)
	}

	byTraceID, err := store.ListTraces(ctx, TraceFilter{TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("list by trace id failed: %v", err)
	}
	if len(byTraceID) != 2 {
		t.Errorf("expected 2 traces for trace-1, got %d", len(byTraceID))
	}

	slow, err := store.ListTraces(ctx, TraceFilter{MinDuration: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("list by duration failed: %v", err)
	}
	if len(slow) != 2 {
		t.Errorf("expected 2 slow traces, got %d", len(slow))
	}

	since := base.Add(15 * time.Minute)
	recent, err := store.ListTraces(ctx, TraceFilter{Since: &since})
	if err != nil {
		t.Fatalf("list since failed: %v", err)
	}
	if len(recent) != 1 || recent[0].TransactionGUID != "txn-c" {
		t.Errorf("expected only txn-c since cutoff, got %d results", len(recent))
	}

	limited, err := store.ListTraces(ctx, TraceFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].TransactionGUID != "txn-b" {
		t.Errorf("expected txn-b with limit 1 offset 1")
	}
}

func TestSQLiteStore_StoreSpans(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	spans := []txn.SpanEvent{
		{
			GUID:            "span-root",
			TraceID:         "trace-s",
			TransactionGUID: "txn-s",
			Name:            "Controller/orders/create",
			Category:        "generic",
			Timestamp:       now,
			Duration:        40 * time.Millisecond,
			EntryPoint:      true,
			Priority:        1.2,
		},
		{
			GUID:            "span-db",
			TraceID:         "trace-s",
			TransactionGUID: "txn-s",
			ParentGUID:      "span-root",
			Name:            "Database/orders/insert",
			Category:        "datastore",
			Timestamp:       now.Add(5 * time.Millisecond),
			Duration:        10 * time.Millisecond,
			Priority:        1.2,
			Params:          txn.Params{"host": "db1"},
		},
	}

	if err := store.StoreSpans(ctx, spans); err != nil {
		t.Fatalf("failed to store spans: %v", err)
	}
	// Re-storing the same batch is idempotent.
	if err := store.StoreSpans(ctx, spans); err != nil {
		t.Fatalf("failed to re-store spans: %v", err)
	}

	count, err := store.CountSpans(ctx, "trace-s")
	if err != nil {
		t.Fatalf("failed to count spans: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 spans, got %d", count)
	}
}

func TestSQLiteStore_StoreError(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	e := txn.NoticedError{
		TransactionGUID: "txn-e",
		TraceID:         "trace-e",
		TransactionName: "Controller/orders/create",
		SegmentName:     "Database/orders/insert",
		SegmentGUID:     "span-db",
		At:              time.Now(),
		Err:             errors.New("connection refused"),
	}
	if err := store.StoreError(context.Background(), e); err != nil {
		t.Fatalf("failed to store error: %v", err)
	}

	var count int64
	err = store.DB().QueryRow("SELECT COUNT(*) FROM errors WHERE txn_guid = ?", "txn-e").Scan(&count)
	if err != nil {
		t.Fatalf("failed to count errors: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 error row, got %d", count)
	}
}

func TestSQLiteStore_Prune(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	if err := store.StoreTrace(ctx, testTrace("txn-old", "t1", old, time.Millisecond)); err != nil {
		t.Fatalf("store old failed: %v", err)
	}
	if err := store.StoreTrace(ctx, testTrace("txn-new", "t2", recent, time.Millisecond)); err != nil {
		t.Fatalf("store new failed: %v", err)
	}

	count, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 pruned trace, got %d", count)
	}

	if _, err := store.GetTrace(ctx, "txn-old"); err == nil {
		t.Error("expected old trace to be pruned")
	}
	if _, err := store.GetTrace(ctx, "txn-new"); err != nil {
		t.Errorf("expected new trace to survive: %v", err)
	}
}

func TestSQLiteStore_WithEncryption(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	store, err := New(Config{Path: ":memory:", EncryptionKey: key})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	trace := testTrace("txn-enc", "trace-enc", time.Now(), 5*time.Millisecond)
	if err := store.StoreTrace(ctx, trace); err != nil {
		t.Fatalf("failed to store encrypted trace: %v", err)
	}

	// The raw column must not contain the plaintext metric name.
	var payload string
	err = store.DB().QueryRow("SELECT payload FROM traces WHERE txn_guid = ?", "txn-enc").Scan(&payload)
	if err != nil {
		t.Fatalf("failed to read raw payload: %v", err)
	}
	if payload == "" {
		t.Fatal("expected non-empty payload")
	}
	if strings.Contains(payload, "Database/users/select") {
		t.Error("payload stored in plaintext despite encryption key")
	}

	retrieved, err := store.GetTrace(ctx, "txn-enc")
	if err != nil {
		t.Fatalf("failed to get encrypted trace: %v", err)
	}
	if retrieved.Root == nil || retrieved.Root.NodeCount() != 3 {
		t.Error("decrypted trace tree incomplete")
	}
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}
