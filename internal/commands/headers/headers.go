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

// Package headers implements the trace context inspection commands:
// decoding inbound header values and generating outbound ones.
package headers

import (
	"encoding/json"
	"sort"

	"github.com/spf13/cobra"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
	"github.com/tracewire/tracewire/pkg/propagation"
	"github.com/tracewire/tracewire/pkg/sampler"
	"github.com/tracewire/tracewire/pkg/txn"
)

// NewHeadersCommand creates the headers command group.
func NewHeadersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Inspect and generate distributed trace headers",
	}
	cmd.AddCommand(newParseCommand())
	cmd.AddCommand(newCreateCommand())
	return cmd
}

type parseResult struct {
	TraceParent *traceParentInfo `json:"traceparent,omitempty"`
	Vendor      *vendorInfo      `json:"vendor_entry,omitempty"`
	Foreign     []string         `json:"foreign_entries,omitempty"`
	Legacy      *legacyInfo      `json:"legacy_payload,omitempty"`
}

type traceParentInfo struct {
	Version  string `json:"version"`
	TraceID  string `json:"trace_id"`
	ParentID string `json:"parent_id"`
	Sampled  bool   `json:"sampled"`
}

type vendorInfo struct {
	TrustKey      string   `json:"trust_key"`
	ParentType    string   `json:"parent_type"`
	AccountID     string   `json:"account_id"`
	ApplicationID string   `json:"application_id"`
	SpanID        string   `json:"span_id,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Sampled       *bool    `json:"sampled,omitempty"`
	Priority      *float64 `json:"priority,omitempty"`
	TimestampMs   int64    `json:"timestamp_ms"`
	Broken        bool     `json:"broken,omitempty"`
}

type legacyInfo struct {
	Version       [2]int   `json:"version"`
	ParentType    string   `json:"parent_type"`
	AccountID     string   `json:"account_id"`
	ApplicationID string   `json:"application_id"`
	TrustKey      string   `json:"trust_key"`
	TransactionID string   `json:"transaction_id,omitempty"`
	SpanID        string   `json:"span_id,omitempty"`
	TraceID       string   `json:"trace_id"`
	Sampled       *bool    `json:"sampled,omitempty"`
	Priority      *float64 `json:"priority,omitempty"`
	TimestampMs   int64    `json:"timestamp_ms"`
}

func newParseCommand() *cobra.Command {
	var (
		traceparent string
		tracestate  string
		payload     string
		trustKey    string
		accountID   string
	)

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Decode trace context header values",
		Long: `Decode a traceparent/tracestate pair or a legacy payload and print
the extracted fields as JSON. The trust key selects which tracestate
entry belongs to us; the rest are listed as foreign entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if traceparent == "" && payload == "" {
				return &twerrors.ValidationError{
					Message:    "nothing to parse",
					Suggestion: "provide --traceparent or --payload",
				}
			}

			result := parseResult{}

			if traceparent != "" {
				carrier := propagation.MapCarrier{
					propagation.TraceParentHeader: traceparent,
				}
				if tracestate != "" {
					carrier[propagation.TraceStateHeader] = tracestate
				}
				vendorKey := propagation.VendorKey(trustKey, accountID)
				hd, err := propagation.ParseTraceContext(carrier, vendorKey)
				if err != nil {
					return err
				}
				tp := hd.TraceParent
				result.TraceParent = &traceParentInfo{
					Version:  tp.Version,
					TraceID:  tp.TraceID,
					ParentID: tp.ParentID,
					Sampled:  tp.Sampled(),
				}
				if hd.HadNrEntry {
					v := &vendorInfo{TrustKey: vendorKey, Broken: hd.PayloadBroken}
					if p := hd.Payload; p != nil {
						v.ParentType = p.ParentType()
						v.AccountID = p.AccountID
						v.ApplicationID = p.AppID
						v.SpanID = p.SpanID
						v.TransactionID = p.TxnID
						v.Sampled = p.Sampled
						v.Priority = p.Priority
						v.TimestampMs = p.TimestampMs
					}
					result.Vendor = v
				}
				for _, e := range hd.OtherEntries {
					result.Foreign = append(result.Foreign, e.String())
				}
			}

			if payload != "" {
				p, err := propagation.ParsePayload(payload)
				if err != nil {
					return err
				}
				result.Legacy = &legacyInfo{
					Version:       p.Version,
					ParentType:    p.ParentType,
					AccountID:     p.AccountID,
					ApplicationID: p.ApplicationID,
					TrustKey:      p.TrustedAccountKey,
					TransactionID: p.TransactionID,
					SpanID:        p.SpanID,
					TraceID:       p.TraceID,
					Sampled:       p.Sampled,
					Priority:      p.Priority,
					TimestampMs:   p.TimestampMs,
				}
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&traceparent, "traceparent", "", "traceparent header value")
	cmd.Flags().StringVar(&tracestate, "tracestate", "", "tracestate header value")
	cmd.Flags().StringVar(&payload, "payload", "", "legacy payload (JSON or base64)")
	cmd.Flags().StringVar(&trustKey, "trust-key", "", "trusted account key")
	cmd.Flags().StringVar(&accountID, "account", "", "account id (trust key fallback)")
	return cmd
}

func newCreateCommand() *cobra.Command {
	var (
		accountID     string
		applicationID string
		trustKey      string
		name          string
		strategy      string
		noLegacy      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate outbound trace context headers",
		Long: `Start a throwaway transaction and print the headers it would attach
to an outbound request: the traceparent/tracestate pair and, unless
suppressed, the legacy payload header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountID == "" {
				return &twerrors.ValidationError{
					Field:      "account",
					Message:    "account id is required",
					Suggestion: "pass --account with the tenant account id",
				}
			}

			resolver := sampler.NewResolver(sampler.Config{Root: strategy}, nil)
			t := txn.Start(txn.Options{
				Name:     name,
				Resolver: resolver,
				Propagation: txn.PropagationOptions{
					Enabled:             true,
					AccountID:           accountID,
					ApplicationID:       applicationID,
					TrustedAccountKey:   trustKey,
					ExcludeLegacyHeader: noLegacy,
				},
			})
			defer t.End()

			carrier := propagation.MapCarrier{}
			t.InsertDistributedTraceHeaders(carrier)

			keys := make([]string, 0, len(carrier))
			for key := range carrier {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				cmd.Printf("%s: %s\n", key, carrier[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account id (required)")
	cmd.Flags().StringVar(&applicationID, "app", "", "application id")
	cmd.Flags().StringVar(&trustKey, "trust-key", "", "trusted account key, defaults to the account id")
	cmd.Flags().StringVar(&name, "name", "cli/headers-create", "transaction name")
	cmd.Flags().StringVar(&strategy, "sampling", "always_on", "sampling strategy for the generated context")
	cmd.Flags().BoolVar(&noLegacy, "no-legacy", false, "omit the legacy payload header")
	return cmd
}
