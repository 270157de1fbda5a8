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

package txn

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Shared capture sinks for the package tests.

type recordedDuration struct {
	scope     string
	total     time.Duration
	exclusive time.Duration
}

type captureMetrics struct {
	mu        sync.Mutex
	durations map[string][]recordedDuration
	counters  map[string]int
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{
		durations: make(map[string][]recordedDuration),
		counters:  make(map[string]int),
	}
}

func (m *captureMetrics) RecordDuration(name, scope string, total, exclusive time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[name] = append(m.durations[name], recordedDuration{scope, total, exclusive})
}

func (m *captureMetrics) Increment(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *captureMetrics) duration(name string) (recordedDuration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.durations[name]
	if len(recs) == 0 {
		return recordedDuration{}, false
	}
	return recs[0], true
}

func (m *captureMetrics) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type captureTraces struct {
	mu     sync.Mutex
	traces []*Trace
}

func (c *captureTraces) ConsumeTrace(trace *Trace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, trace)
}

func (c *captureTraces) last() *Trace {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.traces) == 0 {
		return nil
	}
	return c.traces[len(c.traces)-1]
}

type captureSpans struct {
	mu      sync.Mutex
	batches [][]SpanEvent
}

func (c *captureSpans) ConsumeSpans(spans []SpanEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, spans)
}

func (c *captureSpans) last() []SpanEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1]
}

type captureErrors struct {
	mu   sync.Mutex
	errs []NoticedError
}

func (c *captureErrors) ConsumeError(e NoticedError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, e)
}

// fixedResolver returns a canned decision.
type fixedResolver struct {
	sampled  bool
	priority float64

	mu          sync.Mutex
	rootCalls   int
	remoteCalls int
	lastRemote  RemoteSample
}

func (r *fixedResolver) DetermineRootSampling(traceID string) (bool, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootCalls++
	return r.sampled, r.priority
}

func (r *fixedResolver) DetermineRemoteSampling(traceID string, remote RemoteSample) (bool, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteCalls++
	r.lastRemote = remote
	return r.sampled, r.priority
}

// baseTime is an arbitrary fixed instant for deterministic timing tests.
var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return baseTime.Add(time.Duration(ms) * time.Millisecond)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
