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

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	configcmd "github.com/tracewire/tracewire/internal/commands/config"
	"github.com/tracewire/tracewire/internal/commands/demo"
	"github.com/tracewire/tracewire/internal/commands/headers"
	"github.com/tracewire/tracewire/internal/commands/traces"
	versioncmd "github.com/tracewire/tracewire/internal/commands/version"
	"github.com/tracewire/tracewire/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "tracewire",
		Short: "Transaction tracing agent and tooling",
		Long: `Tracewire times transactions as segment trees, propagates
distributed trace context, and ships the results to metrics,
storage, and OTLP backends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := log.FromEnv()
			if logLevel != "" {
				cfg.Level = logLevel
			}
			slog.SetDefault(log.New(cfg))
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(configcmd.NewConfigCommand(&configPath))
	root.AddCommand(headers.NewHeadersCommand())
	root.AddCommand(traces.NewTracesCommand())
	root.AddCommand(demo.NewDemoCommand(&configPath, version))
	root.AddCommand(versioncmd.NewVersionCommand(versioncmd.Info{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
