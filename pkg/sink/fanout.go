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

package sink

import (
	"time"

	"github.com/tracewire/tracewire/pkg/txn"
)

// MetricFanout forwards each metric call to every wired sink.
type MetricFanout []txn.MetricSink

func (f MetricFanout) RecordDuration(name, scope string, total, exclusive time.Duration) {
	for _, s := range f {
		s.RecordDuration(name, scope, total, exclusive)
	}
}

func (f MetricFanout) Increment(name string) {
	for _, s := range f {
		s.Increment(name)
	}
}

// TraceFanout forwards each trace to every wired sink.
type TraceFanout []txn.TraceSink

func (f TraceFanout) ConsumeTrace(trace *txn.Trace) {
	for _, s := range f {
		s.ConsumeTrace(trace)
	}
}

// SpanFanout forwards each span batch to every wired sink.
type SpanFanout []txn.SpanSink

func (f SpanFanout) ConsumeSpans(spans []txn.SpanEvent) {
	for _, s := range f {
		s.ConsumeSpans(spans)
	}
}

// ErrorFanout forwards each noticed error to every wired sink.
type ErrorFanout []txn.ErrorSink

func (f ErrorFanout) ConsumeError(e txn.NoticedError) {
	for _, s := range f {
		s.ConsumeError(e)
	}
}
