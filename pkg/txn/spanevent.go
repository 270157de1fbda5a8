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

// SpanEvent is the per-segment record emitted for sampled transactions,
// used by distributed-trace visualization. One entry-point event
// represents the transaction itself; every retained segment produces one
// more.
type SpanEvent struct {
	GUID            string        `json:"guid"`
	TraceID         string        `json:"traceId"`
	ParentGUID      string        `json:"parentId,omitempty"`
	TransactionGUID string        `json:"transactionId"`
	Name            string        `json:"name"`
	Category        string        `json:"category"`
	Timestamp       time.Time     `json:"timestamp"`
	Duration        time.Duration `json:"duration"`
	EntryPoint      bool          `json:"entryPoint,omitempty"`
	Sampled         bool          `json:"sampled"`
	Priority        float64       `json:"priority"`
	Params          Params        `json:"params,omitempty"`
}

// buildSpanEvents renders the entry-point event plus one event per
// retained segment. Must run after segment finalization.
func (t *Transaction) buildSpanEvents(segments []*Segment) []SpanEvent {
	t.mu.Lock()
	traceID := t.traceID
	parentSpanID := t.parentSpanID
	name := t.name
	priority := t.priority
	t.mu.Unlock()

	events := make([]SpanEvent, 0, len(segments)+1)
	events = append(events, SpanEvent{
		GUID:            t.guid,
		TraceID:         traceID,
		ParentGUID:      parentSpanID,
		TransactionGUID: t.guid,
		Name:            name,
		Category:        CategoryGeneric,
		Timestamp:       t.start,
		Duration:        t.Duration(),
		EntryPoint:      true,
		Sampled:         true,
		Priority:        priority,
	})

	for _, s := range segments {
		parent := t.guid
		if s.parent != nil {
			parent = s.parent.guid
		}
		start, end := s.interval()
		events = append(events, SpanEvent{
			GUID:            s.guid,
			TraceID:         traceID,
			ParentGUID:      parent,
			TransactionGUID: t.guid,
			Name:            s.Name(),
			Category:        s.category,
			Timestamp:       start,
			Duration:        end.Sub(start),
			Sampled:         true,
			Priority:        priority,
			Params:          s.snapshotParams(),
		})
	}
	return events
}
