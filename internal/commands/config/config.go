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

// Package config implements the config command: inspecting and validating
// the effective agent configuration.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tracewire/tracewire/internal/config"
)

// NewConfigCommand creates the config command with its subcommands.
func NewConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and validate configuration",
	}
	cmd.AddCommand(newShowCommand(configPath))
	cmd.AddCommand(newPathCommand(configPath))
	cmd.AddCommand(newValidateCommand(configPath))

	// Bare "config" behaves like "config show".
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(cmd, configPath, false)
	}
	return cmd
}

func newShowCommand(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration: defaults, then the config file,
then TRACEWIRE_ environment overrides. The storage encryption key is
masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, configPath, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newPathCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(none; defaults plus environment)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), *configPath)
			return nil
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}

func runShow(cmd *cobra.Command, configPath *string, asJSON bool) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	masked := maskSensitive(cfg)

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(masked)
	}

	if *configPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", *configPath)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return err
	}
	return enc.Close()
}

// maskSensitive copies the config with the encryption key obscured.
func maskSensitive(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Storage.EncryptionKey = maskKey(cfg.Storage.EncryptionKey)
	return &masked
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
