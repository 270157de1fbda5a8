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
	"testing"
	"time"
)

func rng(startMS, endMS int) timeRange {
	return timeRange{start: at(startMS), end: at(endMS)}
}

func TestTimeRangeOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b timeRange
		want bool
	}{
		{"disjoint", rng(0, 10), rng(20, 30), false},
		{"touching endpoints", rng(0, 10), rng(10, 20), true},
		{"partial", rng(0, 15), rng(10, 20), true},
		{"contained", rng(0, 30), rng(10, 20), true},
		{"identical", rng(5, 10), rng(5, 10), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.overlaps(tt.b); got != tt.want {
				t.Errorf("overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.overlaps(tt.a); got != tt.want {
				t.Errorf("overlaps (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []timeRange
		want []timeRange
	}{
		{"empty", nil, nil},
		{"single", []timeRange{rng(0, 10)}, []timeRange{rng(0, 10)}},
		{
			"disjoint preserved",
			[]timeRange{rng(0, 10), rng(20, 30)},
			[]timeRange{rng(0, 10), rng(20, 30)},
		},
		{
			"overlapping coalesced",
			[]timeRange{rng(0, 15), rng(10, 25)},
			[]timeRange{rng(0, 25)},
		},
		{
			"unsorted input",
			[]timeRange{rng(20, 30), rng(0, 10), rng(5, 25)},
			[]timeRange{rng(0, 30)},
		},
		{
			"contained absorbed",
			[]timeRange{rng(0, 30), rng(10, 20)},
			[]timeRange{rng(0, 30)},
		},
		{
			"chain of touching ranges",
			[]timeRange{rng(0, 10), rng(10, 20), rng(20, 30)},
			[]timeRange{rng(0, 30)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeRanges(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !got[i].start.Equal(tt.want[i].start) || !got[i].end.Equal(tt.want[i].end) {
					t.Errorf("range %d = [%v, %v], want [%v, %v]",
						i, got[i].start, got[i].end, tt.want[i].start, tt.want[i].end)
				}
			}
		})
	}
}

func TestMergeRangesDoesNotModifyInput(t *testing.T) {
	in := []timeRange{rng(20, 30), rng(0, 10)}
	mergeRanges(in)
	if !in[0].start.Equal(at(20)) {
		t.Error("input slice was reordered")
	}
}

func TestComputeOverlap(t *testing.T) {
	bound := rng(0, 100)
	tests := []struct {
		name   string
		ranges []timeRange
		want   time.Duration
	}{
		{"no ranges", nil, 0},
		{"fully inside", []timeRange{rng(10, 30)}, ms(20)},
		{"clipped at end", []timeRange{rng(80, 150)}, ms(20)},
		{"clipped at start", []timeRange{rng(-50, 10)}, ms(10)},
		{"entirely past bound", []timeRange{rng(100, 200)}, 0},
		{"multiple disjoint", []timeRange{rng(0, 10), rng(50, 70)}, ms(30)},
		{"covers bound", []timeRange{rng(-10, 200)}, ms(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeOverlap(bound, tt.ranges); got != tt.want {
				t.Errorf("computeOverlap = %v, want %v", got, tt.want)
			}
		})
	}
}
