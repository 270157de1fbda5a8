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

// Package config loads and validates the agent configuration: identity
// (account, application, trust key), tracing and sampling behavior,
// storage, export, and metrics settings. Configuration comes from a YAML
// file with a TRACEWIRE_-prefixed environment overlay on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
	"github.com/tracewire/tracewire/pkg/sampler"
	"github.com/tracewire/tracewire/pkg/txn"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete agent configuration.
type Config struct {
	// AppName is the application name used as the metric/trace source label.
	AppName string `yaml:"app_name" envconfig:"APP_NAME"`

	// AccountID identifies the account in propagated trace context.
	AccountID string `yaml:"account_id" envconfig:"ACCOUNT_ID"`

	// ApplicationID identifies the application in propagated trace context.
	ApplicationID string `yaml:"application_id" envconfig:"APPLICATION_ID"`

	// TrustedAccountKey scopes which inbound payloads are trusted.
	// Defaults to AccountID when empty.
	TrustedAccountKey string `yaml:"trusted_account_key" envconfig:"TRUSTED_ACCOUNT_KEY"`

	Tracing  TracingConfig  `yaml:"tracing"`
	Sampling SamplingConfig `yaml:"sampling"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Export   ExportConfig   `yaml:"export"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TracingConfig configures the transaction engine and header propagation.
type TracingConfig struct {
	// DistributedTracing toggles accepting and inserting trace context.
	// Default: true
	DistributedTracing bool `yaml:"distributed_tracing" envconfig:"DISTRIBUTED_TRACING"`

	// ExcludeLegacyHeader suppresses the legacy single-header payload on
	// outbound requests, leaving only the standard header pair.
	ExcludeLegacyHeader bool `yaml:"exclude_legacy_header" envconfig:"EXCLUDE_LEGACY_HEADER"`

	// SpanEvents toggles span event generation for sampled transactions.
	// Default: true
	SpanEvents bool `yaml:"span_events" envconfig:"SPAN_EVENTS"`

	// SegmentLimit caps how many segments a transaction retains. Segments
	// past the cap are still timed and counted in metrics but dropped
	// from the trace. 0 means the default cap.
	SegmentLimit int `yaml:"segment_limit" envconfig:"SEGMENT_LIMIT"`
}

// SamplingConfig selects the sampling strategies.
type SamplingConfig struct {
	// Strategy decides sampling for locally-originated traces.
	// One of: adaptive, always_on, always_off, trace_id_ratio_based.
	// Default: adaptive
	Strategy string `yaml:"strategy" envconfig:"SAMPLING_STRATEGY"`

	// Ratio applies when Strategy is trace_id_ratio_based.
	Ratio float64 `yaml:"ratio" envconfig:"SAMPLING_RATIO"`

	// RemoteParentSampled decides sampling when the remote parent was
	// sampled. "default" honors the parent's decision.
	RemoteParentSampled      string  `yaml:"remote_parent_sampled" envconfig:"SAMPLING_REMOTE_PARENT_SAMPLED"`
	RemoteParentSampledRatio float64 `yaml:"remote_parent_sampled_ratio" envconfig:"SAMPLING_REMOTE_PARENT_SAMPLED_RATIO"`

	// RemoteParentNotSampled decides sampling when the remote parent was
	// not sampled. "default" honors the parent's decision.
	RemoteParentNotSampled      string  `yaml:"remote_parent_not_sampled" envconfig:"SAMPLING_REMOTE_PARENT_NOT_SAMPLED"`
	RemoteParentNotSampledRatio float64 `yaml:"remote_parent_not_sampled_ratio" envconfig:"SAMPLING_REMOTE_PARENT_NOT_SAMPLED_RATIO"`

	// Target is the adaptive sampler's per-period sample goal.
	// Default: 10
	Target uint64 `yaml:"target" envconfig:"SAMPLING_TARGET"`

	// Period is the adaptive sampler's reset window.
	// Default: 60s
	Period time.Duration `yaml:"period" envconfig:"SAMPLING_PERIOD"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`

	// Format sets the output format (json, text).
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// StorageConfig configures local trace persistence.
type StorageConfig struct {
	// Enabled toggles writing finished traces and spans to disk.
	Enabled bool `yaml:"enabled" envconfig:"STORAGE_ENABLED"`

	// Path is the SQLite database file. Default: tracewire.db
	Path string `yaml:"path" envconfig:"STORAGE_PATH"`

	// EncryptionKey, when set, encrypts stored trace payloads at rest.
	// Must be 32 bytes (hex or raw).
	EncryptionKey string `yaml:"encryption_key" envconfig:"STORAGE_ENCRYPTION_KEY"`

	// Retention is how long stored traces are kept before pruning.
	// Default: 168h (7 days)
	Retention time.Duration `yaml:"retention" envconfig:"STORAGE_RETENTION"`
}

// ExportConfig configures the OTLP export bridge.
type ExportConfig struct {
	// Enabled toggles replaying finished traces to an OTLP collector.
	Enabled bool `yaml:"enabled" envconfig:"EXPORT_ENABLED"`

	// Protocol is one of: grpc, http, stdout.
	// Default: grpc
	Protocol string `yaml:"protocol" envconfig:"EXPORT_PROTOCOL"`

	// Endpoint is the collector address (host:port).
	Endpoint string `yaml:"endpoint" envconfig:"EXPORT_ENDPOINT"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `yaml:"insecure" envconfig:"EXPORT_INSECURE"`

	// Timeout bounds each export batch. Default: 30s
	Timeout time.Duration `yaml:"timeout" envconfig:"EXPORT_TIMEOUT"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled toggles the /metrics endpoint.
	Enabled bool `yaml:"enabled" envconfig:"METRICS_ENABLED"`

	// Listen is the address the metrics server binds. Default: :9090
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "tracewire",
		Tracing: TracingConfig{
			DistributedTracing: true,
			SpanEvents:         true,
			SegmentLimit:       txn.DefaultSegmentLimit,
		},
		Sampling: SamplingConfig{
			Strategy:               sampler.StrategyAdaptive,
			RemoteParentSampled:    sampler.StrategyDefault,
			RemoteParentNotSampled: sampler.StrategyDefault,
			Target:                 sampler.DefaultSamplingTarget,
			Period:                 sampler.DefaultSamplingPeriod,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Path:      "tracewire.db",
			Retention: 7 * 24 * time.Hour,
		},
		Export: ExportConfig{
			Protocol: "grpc",
			Timeout:  30 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads configuration from the given YAML file, applies the
// TRACEWIRE_ environment overlay, and validates the result. An empty path
// skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &twerrors.ConfigError{
				Reason: fmt.Sprintf("reading %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &twerrors.ConfigError{
				Reason: fmt.Sprintf("parsing %s", path),
				Cause:  err,
			}
		}
	}

	// Environment wins over file values.
	if err := envconfig.Process("tracewire", cfg); err != nil {
		return nil, &twerrors.ConfigError{
			Reason: "applying environment overrides",
			Cause:  err,
		}
	}

	if cfg.TrustedAccountKey == "" {
		cfg.TrustedAccountKey = cfg.AccountID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for hard errors. Soft problems, like
// an unknown sampling strategy, are left to the consumers that fall back
// gracefully.
func (c *Config) Validate() error {
	if c.Tracing.DistributedTracing && c.AccountID == "" {
		return &twerrors.ConfigError{
			Key:    "account_id",
			Reason: "required when distributed tracing is enabled",
			Cause:  ErrInvalidConfig,
		}
	}
	if c.Tracing.SegmentLimit < 0 {
		return &twerrors.ConfigError{
			Key:    "tracing.segment_limit",
			Reason: "must not be negative",
			Cause:  ErrInvalidConfig,
		}
	}
	for key, ratio := range map[string]float64{
		"sampling.ratio":                           c.Sampling.Ratio,
		"sampling.remote_parent_sampled_ratio":     c.Sampling.RemoteParentSampledRatio,
		"sampling.remote_parent_not_sampled_ratio": c.Sampling.RemoteParentNotSampledRatio,
	} {
		if ratio < 0 || ratio > 1 {
			return &twerrors.ConfigError{
				Key:    key,
				Reason: "must be between 0 and 1",
				Cause:  ErrInvalidConfig,
			}
		}
	}
	switch c.Export.Protocol {
	case "", "grpc", "http", "stdout":
	default:
		return &twerrors.ConfigError{
			Key:    "export.protocol",
			Reason: fmt.Sprintf("unknown protocol %q, expected grpc, http, or stdout", c.Export.Protocol),
			Cause:  ErrInvalidConfig,
		}
	}
	if c.Export.Enabled && c.Export.Protocol != "stdout" && c.Export.Endpoint == "" {
		return &twerrors.ConfigError{
			Key:    "export.endpoint",
			Reason: "required when export is enabled",
			Cause:  ErrInvalidConfig,
		}
	}
	if c.Storage.EncryptionKey != "" {
		if err := validateEncryptionKey(c.Storage.EncryptionKey); err != nil {
			return &twerrors.ConfigError{
				Key:    "storage.encryption_key",
				Reason: err.Error(),
				Cause:  ErrInvalidConfig,
			}
		}
	}
	return nil
}

// SamplerConfig maps the sampling section onto the resolver's
// configuration.
func (c *Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Root:                        c.Sampling.Strategy,
		RootRatio:                   c.Sampling.Ratio,
		RemoteParentSampled:         c.Sampling.RemoteParentSampled,
		RemoteParentSampledRatio:    c.Sampling.RemoteParentSampledRatio,
		RemoteParentNotSampled:      c.Sampling.RemoteParentNotSampled,
		RemoteParentNotSampledRatio: c.Sampling.RemoteParentNotSampledRatio,
		Target:                      c.Sampling.Target,
		Period:                      c.Sampling.Period,
	}
}

// PropagationOptions maps identity and tracing settings onto the
// transaction engine's propagation options.
func (c *Config) PropagationOptions() txn.PropagationOptions {
	return txn.PropagationOptions{
		Enabled:             c.Tracing.DistributedTracing,
		AccountID:           c.AccountID,
		ApplicationID:       c.ApplicationID,
		TrustedAccountKey:   c.TrustedAccountKey,
		ExcludeLegacyHeader: c.Tracing.ExcludeLegacyHeader,
		DisableSpanEvents:   !c.Tracing.SpanEvents,
	}
}
