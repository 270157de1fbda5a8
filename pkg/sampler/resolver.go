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
	"log/slog"
	"time"

	"github.com/tracewire/tracewire/pkg/txn"
)

// Strategy names accepted in configuration.
const (
	StrategyDefault      = "default"
	StrategyAdaptive     = "adaptive"
	StrategyAlwaysOn     = "always_on"
	StrategyAlwaysOff    = "always_off"
	StrategyTraceIDRatio = "trace_id_ratio_based"
)

// Config selects the strategy for locally-originated traces and,
// separately, for transactions whose remote parent was or was not
// sampled. The "default" remote strategy honors whatever the caller
// decided; any other name overrides it.
type Config struct {
	Root      string
	RootRatio float64

	RemoteParentSampled         string
	RemoteParentSampledRatio    float64
	RemoteParentNotSampled      string
	RemoteParentNotSampledRatio float64

	// Adaptive tuning, shared by every adaptive instance built here.
	Target uint64
	Period time.Duration
}

// Resolver maps sampling decisions onto configured strategies. A nil
// remote strategy means "default": honor the parent's decision and reuse
// the inbound priority when one was propagated.
type Resolver struct {
	root             Strategy
	remoteSampled    Strategy
	remoteNotSampled Strategy
	logger           *slog.Logger
}

// NewResolver builds a resolver from configuration. Unrecognized strategy
// names fall back to adaptive with a warning; the root strategy never
// falls back to "default" since there is no parent to honor.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{logger: logger}

	rootName := cfg.Root
	if rootName == "" || rootName == StrategyDefault {
		rootName = StrategyAdaptive
	}
	r.root = r.build("root", rootName, cfg.RootRatio, cfg)
	r.remoteSampled = r.buildRemote("remote_parent_sampled", cfg.RemoteParentSampled, cfg.RemoteParentSampledRatio, cfg)
	r.remoteNotSampled = r.buildRemote("remote_parent_not_sampled", cfg.RemoteParentNotSampled, cfg.RemoteParentNotSampledRatio, cfg)
	return r
}

func (r *Resolver) buildRemote(slot, name string, ratio float64, cfg Config) Strategy {
	if name == "" || name == StrategyDefault {
		return nil
	}
	return r.build(slot, name, ratio, cfg)
}

func (r *Resolver) build(slot, name string, ratio float64, cfg Config) Strategy {
	switch name {
	case StrategyAdaptive:
		return NewAdaptive(cfg.Target, cfg.Period)
	case StrategyAlwaysOn:
		return AlwaysOn{}
	case StrategyAlwaysOff:
		return AlwaysOff{}
	case StrategyTraceIDRatio:
		return NewTraceIDRatio(ratio)
	default:
		r.logger.Warn("unknown sampling strategy; using adaptive",
			"slot", slot, "strategy", name)
		return NewAdaptive(cfg.Target, cfg.Period)
	}
}

// DetermineRootSampling decides for a transaction with no remote parent.
func (r *Resolver) DetermineRootSampling(traceID string) (bool, float64) {
	return r.root.Sample(traceID)
}

// DetermineRemoteSampling decides for a transaction that accepted inbound
// trace context. With an overriding strategy configured for the parent's
// decision, that strategy wins; otherwise the parent's decision and
// propagated priority are honored, falling back to the root strategy when
// the inbound context carried no decision at all.
func (r *Resolver) DetermineRemoteSampling(traceID string, remote txn.RemoteSample) (bool, float64) {
	if remote.ParentSampled != nil {
		override := r.remoteNotSampled
		if *remote.ParentSampled {
			override = r.remoteSampled
		}
		if override != nil {
			return override.Sample(traceID)
		}
	}

	switch {
	case remote.PayloadSampled != nil:
		sampled := *remote.PayloadSampled
		if remote.PayloadPriority != nil {
			return sampled, txn.RoundPriority(*remote.PayloadPriority)
		}
		return sampled, priorityFor(sampled)
	case remote.ParentSampled != nil:
		sampled := *remote.ParentSampled
		return sampled, priorityFor(sampled)
	default:
		return r.root.Sample(traceID)
	}
}
