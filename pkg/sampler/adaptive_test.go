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
	"testing"
	"time"
)

func TestAdaptiveFirstPeriodSamplesTarget(t *testing.T) {
	a := NewAdaptive(3, time.Hour)

	var sampledCount int
	for i := 0; i < 10; i++ {
		sampled, priority := a.Sample(testTraceID)
		if sampled {
			sampledCount++
			if i >= 3 {
				t.Errorf("transaction %d sampled past the first-period target", i)
			}
			if priority < 1.0 || priority >= 2.0 {
				t.Errorf("sampled priority %v out of band", priority)
			}
		} else if priority < 0.0 || priority >= 1.0 {
			t.Errorf("unsampled priority %v out of band", priority)
		}
	}
	if sampledCount != 3 {
		t.Errorf("first period sampled %d, want exactly the target 3", sampledCount)
	}

	seen, sampled := a.Stats()
	if seen != 10 || sampled != 3 {
		t.Errorf("stats = %d/%d, want 10/3", seen, sampled)
	}
}

func TestAdaptiveDefaults(t *testing.T) {
	a := NewAdaptive(0, 0)
	if a.target != DefaultSamplingTarget {
		t.Errorf("target = %d", a.target)
	}
	if a.period != DefaultSamplingPeriod {
		t.Errorf("period = %v", a.period)
	}
}

func TestAdaptiveRotation(t *testing.T) {
	a := NewAdaptive(10, time.Minute)
	start := a.periodStart
	a.seen = 100
	a.sampledCount = 10

	// Within the period nothing moves.
	a.rotate(start.Add(30 * time.Second))
	if a.seen != 100 || !a.firstPeriod {
		t.Fatal("window rotated before the period elapsed")
	}

	// One full period: the count carries into seenLast.
	a.rotate(start.Add(time.Minute))
	if a.firstPeriod {
		t.Error("still in first period after rotation")
	}
	if a.seenLast != 100 {
		t.Errorf("seenLast = %d, want 100", a.seenLast)
	}
	if a.seen != 0 || a.sampledCount != 0 {
		t.Errorf("window not reset: seen=%d sampled=%d", a.seen, a.sampledCount)
	}
	if !a.periodStart.Equal(start.Add(time.Minute)) {
		t.Errorf("periodStart = %v", a.periodStart)
	}
}

func TestAdaptiveRotationAfterIdleGap(t *testing.T) {
	a := NewAdaptive(10, time.Minute)
	start := a.periodStart
	a.seen = 100

	// More than one period idle: the previous count is stale.
	a.rotate(start.Add(5 * time.Minute))
	if a.seenLast != 0 {
		t.Errorf("seenLast = %d, want 0 after an idle gap", a.seenLast)
	}
	if !a.periodStart.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("periodStart = %v", a.periodStart)
	}
}

func TestAdaptiveLowThroughputSamplesEverything(t *testing.T) {
	a := NewAdaptive(10, time.Minute)
	a.firstPeriod = false
	a.seenLast = 5 // previous period saw fewer than the target

	// randBelow(5) is always below a target of 10, so sampling is certain
	// until the target is hit.
	for i := 0; i < 10; i++ {
		if sampled, _ := a.Sample(testTraceID); !sampled {
			t.Fatalf("transaction %d not sampled under low throughput", i)
		}
	}
}

func TestAdaptiveBackoffDecays(t *testing.T) {
	a := NewAdaptive(10, time.Minute)

	prev := float64(a.target)
	for count := uint64(10); count <= 50; count += 10 {
		a.sampledCount = count
		b := a.backoff()
		if b >= prev {
			t.Errorf("backoff at sampledCount=%d is %v, not below %v", count, b, prev)
		}
		prev = b
	}
}
