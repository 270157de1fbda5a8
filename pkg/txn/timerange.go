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
	"sort"
	"time"
)

// timeRange is a half-open-ish [start, end] interval used for child timing
// bookkeeping. Ranges are only materialized for segments whose children run
// concurrently or outlive them; the common fully-synchronous case uses a
// cheaper aggregate counter instead.
type timeRange struct {
	start time.Time
	end   time.Time
}

func (r timeRange) overlaps(o timeRange) bool {
	return !r.start.After(o.end) && !o.start.After(r.end)
}

func (r timeRange) merge(o timeRange) timeRange {
	m := r
	if o.start.Before(m.start) {
		m.start = o.start
	}
	if o.end.After(m.end) {
		m.end = o.end
	}
	return m
}

// mergeRanges coalesces overlapping ranges into disjoint ones so that
// overlapping children are not double-subtracted from their parent's
// exclusive time. The input slice is not modified.
func mergeRanges(ranges []timeRange) []timeRange {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := make([]timeRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.overlaps(r) {
			*last = last.merge(r)
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

// computeOverlap returns the total portion of bound covered by ranges.
// Time a child spends past the bound's end does not count; that is the
// documented policy for children that outlive their parent.
func computeOverlap(bound timeRange, ranges []timeRange) time.Duration {
	var total time.Duration
	for _, r := range ranges {
		start := r.start
		if start.Before(bound.start) {
			start = bound.start
		}
		end := r.end
		if end.After(bound.end) {
			end = bound.end
		}
		if end.After(start) {
			total += end.Sub(start)
		}
	}
	return total
}
