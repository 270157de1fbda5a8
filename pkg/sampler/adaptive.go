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
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultSamplingTarget is the number of transactions the adaptive
	// sampler aims to sample per period.
	DefaultSamplingTarget = 10

	// DefaultSamplingPeriod is how often the adaptive sampler resets its
	// throughput window.
	DefaultSamplingPeriod = 60 * time.Second
)

// Adaptive targets a fixed number of sampled transactions per period
// regardless of throughput. During the first period it samples the first
// target transactions outright; afterwards it samples probabilistically
// against the previous period's volume, backing off exponentially once
// the target is exceeded within a period.
type Adaptive struct {
	mu           sync.Mutex
	target       uint64
	period       time.Duration
	periodStart  time.Time
	firstPeriod  bool
	seen         uint64
	seenLast     uint64
	sampledCount uint64
}

// NewAdaptive builds an adaptive sampler. Non-positive target or period
// fall back to the defaults.
func NewAdaptive(target uint64, period time.Duration) *Adaptive {
	if target == 0 {
		target = DefaultSamplingTarget
	}
	if period <= 0 {
		period = DefaultSamplingPeriod
	}
	return &Adaptive{
		target:      target,
		period:      period,
		periodStart: time.Now(),
		firstPeriod: true,
	}
}

func (a *Adaptive) Sample(string) (bool, float64) {
	a.mu.Lock()
	a.rotate(time.Now())

	var sampled bool
	switch {
	case a.firstPeriod:
		sampled = a.sampledCount < a.target
	case a.sampledCount < a.target:
		sampled = randBelow(a.seenLast) < a.target
	default:
		sampled = float64(randBelow(a.seen)) < a.backoff()
	}
	if sampled {
		a.sampledCount++
	}
	a.seen++
	a.mu.Unlock()

	return sampled, priorityFor(sampled)
}

// rotate advances the throughput window. When more than one full period
// has elapsed since the last decision the previous-period count is stale
// and resets to zero.
func (a *Adaptive) rotate(now time.Time) {
	elapsed := now.Sub(a.periodStart)
	if elapsed < a.period {
		return
	}
	periods := elapsed / a.period
	a.periodStart = a.periodStart.Add(periods * a.period)
	a.firstPeriod = false
	if periods > 1 {
		a.seenLast = 0
	} else {
		a.seenLast = a.seen
	}
	a.seen = 0
	a.sampledCount = 0
}

// backoff decays the effective target as the sampled count grows past the
// target within a single period.
func (a *Adaptive) backoff() float64 {
	t := float64(a.target)
	return math.Pow(t, t/float64(a.sampledCount)) - math.Sqrt(t)
}

// randBelow draws uniformly from [0, n), treating n == 0 as always zero.
func randBelow(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(rand.Int63n(int64(n)))
}

func (a *Adaptive) Description() string { return "Adaptive" }

// Stats reports the sampler's current window for diagnostics.
func (a *Adaptive) Stats() (seen, sampled uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen, a.sampledCount
}
