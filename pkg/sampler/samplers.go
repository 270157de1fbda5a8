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

// Package sampler implements the sampling strategies used to decide which
// transactions keep their span events: an adaptive rate-targeting sampler,
// unconditional on/off samplers, and a deterministic trace-id ratio
// sampler that lets every service in a trace reach the same decision
// independently.
package sampler

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/tracewire/tracewire/pkg/txn"
)

// Strategy decides whether a transaction is sampled and assigns its
// priority. Sampled transactions land in [1, 2), unsampled in [0, 1), so
// priority alone determines retention order downstream.
type Strategy interface {
	Sample(traceID string) (sampled bool, priority float64)
	Description() string
}

// priorityFor draws a uniform priority in the band for the decision.
func priorityFor(sampled bool) float64 {
	p := txn.RoundPriority(rand.Float64())
	if sampled {
		p += 1
	}
	return p
}

// AlwaysOn samples every transaction at the maximum priority.
type AlwaysOn struct{}

func (AlwaysOn) Sample(string) (bool, float64) { return true, 2.0 }
func (AlwaysOn) Description() string           { return "AlwaysOn" }

// AlwaysOff samples nothing.
type AlwaysOff struct{}

func (AlwaysOff) Sample(string) (bool, float64) { return false, 0.0 }
func (AlwaysOff) Description() string           { return "AlwaysOff" }

// TraceIDRatio samples deterministically from the trace id so that every
// service observing the same trace reaches the same decision without
// coordination. The low 16 hex digits of the id are interpreted as a
// uniform 64-bit value and compared against the ratio threshold.
type TraceIDRatio struct {
	ratio     float64
	threshold uint64
}

// NewTraceIDRatio builds a ratio sampler. Ratios at or above 1 always
// sample; at or below 0 never sample.
func NewTraceIDRatio(ratio float64) *TraceIDRatio {
	s := &TraceIDRatio{ratio: ratio}
	switch {
	case ratio >= 1.0:
		s.threshold = math.MaxUint64
	case ratio <= 0.0:
		s.threshold = 0
	default:
		s.threshold = uint64(math.Ceil(ratio * float64(math.MaxUint64)))
	}
	return s
}

func (s *TraceIDRatio) Sample(traceID string) (bool, float64) {
	var sampled bool
	switch {
	case s.ratio >= 1.0:
		sampled = true
	case s.ratio <= 0.0:
		sampled = false
	default:
		sampled = s.decide(traceID)
	}
	return sampled, priorityFor(sampled)
}

func (s *TraceIDRatio) decide(traceID string) bool {
	if len(traceID) < 32 {
		// Malformed id; fall back to an independent draw at the same rate.
		return rand.Float64() < s.ratio
	}
	v, err := strconv.ParseUint(traceID[16:32], 16, 64)
	if err != nil {
		return rand.Float64() < s.ratio
	}
	return v < s.threshold
}

func (s *TraceIDRatio) Description() string {
	return "TraceIDRatio{ratio=" + strconv.FormatFloat(s.ratio, 'f', -1, 64) + "}"
}
