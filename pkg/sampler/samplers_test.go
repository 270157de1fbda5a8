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

package sampler

import (
	"strings"
	"testing"
)

const testTraceID = "74be672b84ddc4e4b28be285632bbc0a"

func TestAlwaysOn(t *testing.T) {
	var s AlwaysOn
	sampled, priority := s.Sample(testTraceID)
	if !sampled || priority != 2.0 {
		t.Errorf("AlwaysOn = %v/%v, want true/2.0", sampled, priority)
	}
}

func TestAlwaysOff(t *testing.T) {
	var s AlwaysOff
	sampled, priority := s.Sample(testTraceID)
	if sampled || priority != 0.0 {
		t.Errorf("AlwaysOff = %v/%v, want false/0.0", sampled, priority)
	}
}

func TestPriorityBands(t *testing.T) {
	for i := 0; i < 100; i++ {
		if p := priorityFor(true); p < 1.0 || p >= 2.0 {
			t.Fatalf("sampled priority %v outside [1, 2)", p)
		}
		if p := priorityFor(false); p < 0.0 || p >= 1.0 {
			t.Fatalf("unsampled priority %v outside [0, 1)", p)
		}
	}
}

func TestTraceIDRatioExtremes(t *testing.T) {
	on := NewTraceIDRatio(1.0)
	for i := 0; i < 20; i++ {
		if sampled, _ := on.Sample(testTraceID); !sampled {
			t.Fatal("ratio 1.0 skipped a trace")
		}
	}
	off := NewTraceIDRatio(0.0)
	for i := 0; i < 20; i++ {
		if sampled, _ := off.Sample(testTraceID); sampled {
			t.Fatal("ratio 0.0 sampled a trace")
		}
	}
	if s := NewTraceIDRatio(1.5); s.threshold != on.threshold {
		t.Error("ratio above 1 not clamped")
	}
}

func TestTraceIDRatioDeterministic(t *testing.T) {
	s := NewTraceIDRatio(0.5)

	// The low 16 hex digits drive the decision, so these are fixed.
	lowID := "0000000000000000" + "0000000000000001"
	highID := "ffffffffffffffff" + "ffffffffffffffff"

	if sampled, _ := s.Sample(lowID); !sampled {
		t.Error("id below threshold not sampled")
	}
	if sampled, _ := s.Sample(highID); sampled {
		t.Error("id above threshold sampled")
	}

	first, _ := s.Sample(testTraceID)
	for i := 0; i < 50; i++ {
		if again, _ := s.Sample(testTraceID); again != first {
			t.Fatal("same trace id produced different decisions")
		}
	}

	// Two independently-built samplers agree, which is what lets every
	// service in a trace decide without coordination.
	other := NewTraceIDRatio(0.5)
	if otherDecision, _ := other.Sample(testTraceID); otherDecision != first {
		t.Error("independently built samplers disagree on the same id")
	}
}

func TestTraceIDRatioMalformedID(t *testing.T) {
	s := NewTraceIDRatio(0.5)
	// Short and non-hex ids fall back to an independent draw; the decision
	// is random but the priority band must still hold.
	for _, id := range []string{"", "short", strings.Repeat("z", 32)} {
		sampled, priority := s.Sample(id)
		if sampled && (priority < 1.0 || priority >= 2.0) {
			t.Errorf("id %q: sampled priority %v out of band", id, priority)
		}
		if !sampled && (priority < 0.0 || priority >= 1.0) {
			t.Errorf("id %q: unsampled priority %v out of band", id, priority)
		}
	}
}

func TestDescriptions(t *testing.T) {
	tests := []struct {
		s    Strategy
		want string
	}{
		{AlwaysOn{}, "AlwaysOn"},
		{AlwaysOff{}, "AlwaysOff"},
		{NewAdaptive(10, 0), "Adaptive"},
		{NewTraceIDRatio(0.25), "TraceIDRatio{ratio=0.25}"},
	}
	for _, tt := range tests {
		if got := tt.s.Description(); got != tt.want {
			t.Errorf("Description = %q, want %q", got, tt.want)
		}
	}
}
