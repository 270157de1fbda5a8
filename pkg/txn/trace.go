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
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// RootNodeName is the metric name of the synthetic node spanning the whole
// transaction.
const RootNodeName = "ROOT"

// TraceNode is one node of a rendered trace: timestamps relative to the
// transaction start, the metric name, a copy of the segment's parameters,
// and the ordered children. Nodes are immutable once built.
type TraceNode struct {
	Entry      time.Duration
	Exit       time.Duration
	MetricName string
	SpanGUID   string
	Params     Params
	Children   []*TraceNode
}

// MarshalJSON renders the node in the compact array form
// [entryMillis, exitMillis, name, params, children]. Map keys serialize in
// sorted order, so the output is byte-identical across repeated builds.
func (n *TraceNode) MarshalJSON() ([]byte, error) {
	params := n.Params
	if params == nil {
		params = Params{}
	}
	children := n.Children
	if children == nil {
		children = []*TraceNode{}
	}
	return json.Marshal([]any{
		durationToMillis(n.Entry),
		durationToMillis(n.Exit),
		n.MetricName,
		params,
		children,
	})
}

// UnmarshalJSON decodes the compact array form produced by MarshalJSON.
// The span guid is not serialized and stays empty on decode.
func (n *TraceNode) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) != 5 {
		return fmt.Errorf("trace node: expected 5 fields, got %d", len(fields))
	}

	var entryMillis, exitMillis float64
	if err := json.Unmarshal(fields[0], &entryMillis); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[1], &exitMillis); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[2], &n.MetricName); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[3], &n.Params); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[4], &n.Children); err != nil {
		return err
	}

	n.Entry = millisToDuration(entryMillis)
	n.Exit = millisToDuration(exitMillis)
	return nil
}

// NodeCount returns the number of nodes in this subtree including itself.
func (n *TraceNode) NodeCount() int {
	count := 1
	for _, c := range n.Children {
		count += c.NodeCount()
	}
	return count
}

// Trace is the immutable, serializable rendering of a finished
// transaction's segment tree.
type Trace struct {
	Root            *TraceNode
	TransactionGUID string
	TraceID         string
	Name            string
	Category        Category
	StartTime       time.Time
	Duration        time.Duration
	TotalTime       time.Duration
	Async           bool
	Sampled         bool
	Priority        float64
}

// MarshalJSON serializes the trace envelope with its nested node array.
func (tr *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"guid":        tr.TransactionGUID,
		"traceId":     tr.TraceID,
		"name":        tr.Name,
		"category":    string(tr.Category),
		"start":       tr.StartTime.UnixMilli(),
		"duration_ms": durationToMillis(tr.Duration),
		"total_ms":    durationToMillis(tr.TotalTime),
		"async":       tr.Async,
		"sampled":     tr.Sampled,
		"priority":    tr.Priority,
		"root":        tr.Root,
	})
}

// BuildTrace walks the transaction's segment tree parent-before-child, in
// insertion order among siblings, and produces the node tree rooted at a
// synthetic ROOT node spanning [0, duration]. ROOT has a single child
// representing the transaction itself, under which all root segments nest.
// Building twice from the same finished transaction yields identical
// output: the walk relies only on insertion order, never on map iteration
// or pointer identity.
func BuildTrace(t *Transaction) *Trace {
	duration := t.Duration()

	txnNode := &TraceNode{
		Entry:      0,
		Exit:       duration,
		MetricName: t.FinalName(),
		SpanGUID:   t.guid,
	}
	root := &TraceNode{
		Entry:      0,
		Exit:       duration,
		MetricName: RootNodeName,
		Children:   []*TraceNode{txnNode},
	}

	segments := t.retainedSegments()
	nodes := make(map[*Segment]*TraceNode, len(segments))
	for _, s := range segments {
		parentNode := txnNode
		// A segment's parent may itself have been dropped at the ceiling;
		// nest under the nearest retained ancestor.
		for p := s.parent; p != nil; p = p.parent {
			if n, ok := nodes[p]; ok {
				parentNode = n
				break
			}
		}

		start, end := s.interval()
		if end.IsZero() {
			// Finalization force-finishes every retained segment, so a
			// missing end time here is a bookkeeping fault. Clamp to the
			// parent's exit rather than corrupting serialization for the
			// whole transaction.
			t.logger.Error("segment with no end time in trace build; clamping to parent exit",
				"txn_id", t.guid, "segment", s.Name())
			end = t.start.Add(parentNode.Exit)
		}

		node := &TraceNode{
			Entry:      clampNonNegative(start.Sub(t.start)),
			Exit:       clampNonNegative(end.Sub(t.start)),
			MetricName: s.Name(),
			SpanGUID:   s.guid,
			Params:     s.snapshotParams(),
		}
		nodes[s] = node
		parentNode.Children = append(parentNode.Children, node)
	}

	t.mu.Lock()
	sampled := t.sampled != nil && *t.sampled
	priority := t.priority
	traceID := t.traceID
	t.mu.Unlock()
	if math.IsNaN(priority) {
		// No sampling decision yet; keep the serialized form valid.
		priority = 0
	}

	return &Trace{
		Root:            root,
		TransactionGUID: t.guid,
		TraceID:         traceID,
		Name:            t.FinalName(),
		Category:        t.category,
		StartTime:       t.start,
		Duration:        duration,
		TotalTime:       t.TotalTime(),
		Async:           t.Async(),
		Sampled:         sampled,
		Priority:        priority,
	}
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func clampNonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
