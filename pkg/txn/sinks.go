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

import "time"

// The engine writes into collaborator sinks and never reads back. All sink
// calls are fire-and-forget from the engine's point of view: a slow or
// failing sink may lose telemetry but must not be able to abort the host
// operation, so implementations are expected to be fast and non-blocking.

// MetricSink aggregates metric name and duration pairs. A call with a
// non-empty scope records both the scoped metric (keyed under the
// transaction name) and the unscoped rollup; an empty scope records the
// unscoped metric only.
type MetricSink interface {
	RecordDuration(name, scope string, total, exclusive time.Duration)
	// Increment bumps a named counter. The engine uses this for its
	// supportability counters (trace context accepted, segment ceiling
	// reached, and the like).
	Increment(name string)
}

// TraceSink receives the rendered trace of every finished transaction.
// Retention policy (slowest, force-persist, and so on) is the sink's
// business, not the engine's.
type TraceSink interface {
	ConsumeTrace(trace *Trace)
}

// SpanSink receives one span event per segment for sampled transactions.
type SpanSink interface {
	ConsumeSpans(spans []SpanEvent)
}

// ErrorSink receives errors noticed on segments during the transaction.
// The engine attaches but never classifies them.
type ErrorSink interface {
	ConsumeError(e NoticedError)
}

// NoticedError couples an error with the transaction and segment it was
// noticed on.
type NoticedError struct {
	TransactionGUID string
	TraceID         string
	TransactionName string
	SegmentName     string
	SegmentGUID     string
	At              time.Time
	Err             error
}
