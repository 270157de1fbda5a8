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

// Package sink provides in-memory implementations of the engine's
// telemetry sinks: a metric aggregator, a slowest-first trace buffer, a
// priority-capped span reservoir, and a bounded error buffer. They back
// the embedded deployment mode and double as capture sinks in tests.
package sink

import (
	"sort"
	"sync"
	"time"

	"github.com/tracewire/tracewire/pkg/txn"
)

// MetricKey identifies an aggregated duration metric. Scope is the
// transaction name for scoped metrics, empty for unscoped rollups.
type MetricKey struct {
	Name  string
	Scope string
}

// MetricData is the running aggregate for one metric key.
type MetricData struct {
	Count     int64
	Total     time.Duration
	Exclusive time.Duration
	Min       time.Duration
	Max       time.Duration
}

// MetricStore aggregates durations and counters in memory.
type MetricStore struct {
	mu        sync.Mutex
	durations map[MetricKey]*MetricData
	counters  map[string]int64
}

func NewMetricStore() *MetricStore {
	return &MetricStore{
		durations: make(map[MetricKey]*MetricData),
		counters:  make(map[string]int64),
	}
}

// RecordDuration implements txn.MetricSink. A non-empty scope records the
// scoped metric and the unscoped rollup in one call.
func (m *MetricStore) RecordDuration(name, scope string, total, exclusive time.Duration) {
	m.mu.Lock()
	m.record(MetricKey{Name: name}, total, exclusive)
	if scope != "" {
		m.record(MetricKey{Name: name, Scope: scope}, total, exclusive)
	}
	m.mu.Unlock()
}

func (m *MetricStore) record(key MetricKey, total, exclusive time.Duration) {
	d, ok := m.durations[key]
	if !ok {
		d = &MetricData{Min: total, Max: total}
		m.durations[key] = d
	}
	d.Count++
	d.Total += total
	d.Exclusive += exclusive
	if total < d.Min {
		d.Min = total
	}
	if total > d.Max {
		d.Max = total
	}
}

// Increment implements txn.MetricSink.
func (m *MetricStore) Increment(name string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

// Duration returns the aggregate for a metric, or nil if never recorded.
func (m *MetricStore) Duration(name, scope string) *MetricData {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.durations[MetricKey{Name: name, Scope: scope}]
	if !ok {
		return nil
	}
	copied := *d
	return &copied
}

// Counter returns the current value of a named counter.
func (m *MetricStore) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of every duration aggregate.
func (m *MetricStore) Snapshot() map[MetricKey]MetricData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[MetricKey]MetricData, len(m.durations))
	for k, v := range m.durations {
		out[k] = *v
	}
	return out
}

// Reset clears all aggregates, typically at harvest.
func (m *MetricStore) Reset() {
	m.mu.Lock()
	m.durations = make(map[MetricKey]*MetricData)
	m.counters = make(map[string]int64)
	m.mu.Unlock()
}

// TraceBuffer retains up to cap traces, preferring the slowest. Once full,
// an incoming trace replaces the current fastest entry only if it is
// slower.
type TraceBuffer struct {
	mu     sync.Mutex
	limit  int
	traces []*txn.Trace
}

func NewTraceBuffer(limit int) *TraceBuffer {
	if limit <= 0 {
		limit = 100
	}
	return &TraceBuffer{limit: limit}
}

// ConsumeTrace implements txn.TraceSink.
func (b *TraceBuffer) ConsumeTrace(trace *txn.Trace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.traces) < b.limit {
		b.traces = append(b.traces, trace)
		return
	}
	fastest := 0
	for i, t := range b.traces {
		if t.Duration < b.traces[fastest].Duration {
			fastest = i
		}
	}
	if trace.Duration > b.traces[fastest].Duration {
		b.traces[fastest] = trace
	}
}

// Drain returns the buffered traces slowest first and empties the buffer.
func (b *TraceBuffer) Drain() []*txn.Trace {
	b.mu.Lock()
	out := b.traces
	b.traces = nil
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	return out
}

// Len reports the number of buffered traces.
func (b *TraceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}

// SpanBuffer retains up to cap span events, evicting the lowest-priority
// transaction's spans when full. Spans arrive per transaction and are
// kept or dropped as a unit so traces stay whole.
type SpanBuffer struct {
	mu      sync.Mutex
	limit   int
	batches []spanBatch
	held    int
}

type spanBatch struct {
	priority float64
	spans    []txn.SpanEvent
}

func NewSpanBuffer(limit int) *SpanBuffer {
	if limit <= 0 {
		limit = 2000
	}
	return &SpanBuffer{limit: limit}
}

// ConsumeSpans implements txn.SpanSink.
func (b *SpanBuffer) ConsumeSpans(spans []txn.SpanEvent) {
	if len(spans) == 0 {
		return
	}
	priority := spans[0].Priority
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.held+len(spans) > b.limit {
		lowest := -1
		for i, batch := range b.batches {
			if lowest == -1 || batch.priority < b.batches[lowest].priority {
				lowest = i
			}
		}
		if lowest == -1 || b.batches[lowest].priority >= priority {
			// Nothing cheaper to evict; drop the incoming batch.
			return
		}
		b.held -= len(b.batches[lowest].spans)
		b.batches = append(b.batches[:lowest], b.batches[lowest+1:]...)
	}
	b.batches = append(b.batches, spanBatch{priority: priority, spans: spans})
	b.held += len(spans)
}

// Drain returns all buffered spans and empties the buffer.
func (b *SpanBuffer) Drain() []txn.SpanEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]txn.SpanEvent, 0, b.held)
	for _, batch := range b.batches {
		out = append(out, batch.spans...)
	}
	b.batches = nil
	b.held = 0
	return out
}

// Len reports the number of buffered span events.
func (b *SpanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

// ErrorBuffer retains up to cap noticed errors, dropping the newest once
// full.
type ErrorBuffer struct {
	mu      sync.Mutex
	limit   int
	errors  []txn.NoticedError
	dropped int64
}

func NewErrorBuffer(limit int) *ErrorBuffer {
	if limit <= 0 {
		limit = 100
	}
	return &ErrorBuffer{limit: limit}
}

// ConsumeError implements txn.ErrorSink.
func (b *ErrorBuffer) ConsumeError(e txn.NoticedError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errors) >= b.limit {
		b.dropped++
		return
	}
	b.errors = append(b.errors, e)
}

// Drain returns the buffered errors and empties the buffer.
func (b *ErrorBuffer) Drain() []txn.NoticedError {
	b.mu.Lock()
	out := b.errors
	b.errors = nil
	b.dropped = 0
	b.mu.Unlock()
	return out
}

// Dropped reports how many errors were discarded since the last drain.
func (b *ErrorBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
