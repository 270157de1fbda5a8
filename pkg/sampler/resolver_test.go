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
	"io"
	"log/slog"
	"testing"

	"github.com/tracewire/tracewire/pkg/txn"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestResolverRootStrategy(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantSampled bool
		wantPri     float64
	}{
		{"always on", Config{Root: StrategyAlwaysOn}, true, 2.0},
		{"always off", Config{Root: StrategyAlwaysOff}, false, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.cfg, quietLogger())
			sampled, priority := r.DetermineRootSampling(testTraceID)
			if sampled != tt.wantSampled || priority != tt.wantPri {
				t.Errorf("root = %v/%v, want %v/%v", sampled, priority, tt.wantSampled, tt.wantPri)
			}
		})
	}
}

func TestResolverRootDefaultsToAdaptive(t *testing.T) {
	for _, name := range []string{"", StrategyDefault} {
		r := NewResolver(Config{Root: name}, quietLogger())
		if got := r.root.Description(); got != "Adaptive" {
			t.Errorf("root %q built %q, want Adaptive", name, got)
		}
	}
}

func TestResolverUnknownStrategyFallsBack(t *testing.T) {
	r := NewResolver(Config{Root: "coin_flip"}, quietLogger())
	if got := r.root.Description(); got != "Adaptive" {
		t.Errorf("unknown strategy built %q, want Adaptive", got)
	}
}

func TestResolverNilLogger(t *testing.T) {
	// Must not panic while warning about the unknown strategy.
	r := NewResolver(Config{Root: "coin_flip"}, nil)
	if r == nil {
		t.Fatal("nil resolver")
	}
}

func TestResolverRemoteDefaultHonorsParent(t *testing.T) {
	// Root always_off proves the answers below come from the inbound
	// context, not the root strategy.
	r := NewResolver(Config{Root: StrategyAlwaysOff}, quietLogger())

	t.Run("payload decision and priority", func(t *testing.T) {
		sampled, priority := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
			ParentSampled:   boolPtr(true),
			PayloadSampled:  boolPtr(true),
			PayloadPriority: floatPtr(1.23456789),
		})
		if !sampled {
			t.Error("payload decision not honored")
		}
		if priority != 1.234568 {
			t.Errorf("priority = %v, want the inbound value rounded", priority)
		}
	})

	t.Run("payload not sampled", func(t *testing.T) {
		sampled, _ := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
			ParentSampled:  boolPtr(false),
			PayloadSampled: boolPtr(false),
		})
		if sampled {
			t.Error("unsampled payload decision not honored")
		}
	})

	t.Run("flags only", func(t *testing.T) {
		sampled, priority := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
			ParentSampled: boolPtr(true),
		})
		if !sampled {
			t.Error("traceparent sampled flag not honored")
		}
		if priority < 1.0 || priority >= 2.0 {
			t.Errorf("generated priority %v out of band", priority)
		}
	})

	t.Run("no inbound decision", func(t *testing.T) {
		sampled, priority := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{})
		if sampled || priority != 0.0 {
			t.Errorf("= %v/%v, want the root strategy's always_off", sampled, priority)
		}
	})
}

func TestResolverRemoteOverrides(t *testing.T) {
	r := NewResolver(Config{
		Root:                   StrategyAdaptive,
		RemoteParentSampled:    StrategyAlwaysOff,
		RemoteParentNotSampled: StrategyAlwaysOn,
	}, quietLogger())

	sampled, _ := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
		ParentSampled:   boolPtr(true),
		PayloadSampled:  boolPtr(true),
		PayloadPriority: floatPtr(1.9),
	})
	if sampled {
		t.Error("override did not beat the parent's sampled decision")
	}

	sampled, priority := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
		ParentSampled: boolPtr(false),
	})
	if !sampled || priority != 2.0 {
		t.Errorf("= %v/%v, want always_on override", sampled, priority)
	}
}

func TestResolverRemoteRatioStrategy(t *testing.T) {
	r := NewResolver(Config{
		Root:                     StrategyAlwaysOff,
		RemoteParentSampled:      StrategyTraceIDRatio,
		RemoteParentSampledRatio: 1.0,
	}, quietLogger())

	sampled, _ := r.DetermineRemoteSampling(testTraceID, txn.RemoteSample{
		ParentSampled: boolPtr(true),
	})
	if !sampled {
		t.Error("ratio 1.0 override did not sample")
	}
}
