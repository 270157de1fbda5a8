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

// Package traces implements the stored-trace query commands over the
// local SQLite database.
package traces

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tracewire/tracewire/internal/config"
	"github.com/tracewire/tracewire/internal/storage"
	"github.com/tracewire/tracewire/pkg/txn"
)

type storeFlags struct {
	dbPath     string
	encryption string
}

func (f *storeFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.dbPath, "db", "tracewire.db", "path to the trace database")
	flags.StringVar(&f.encryption, "encryption-key", "", "decryption key when payloads are encrypted at rest")
}

func (f *storeFlags) open() (*storage.SQLiteStore, error) {
	var key *storage.EncryptionKey
	if f.encryption != "" {
		raw, err := config.ParseEncryptionKey(f.encryption)
		if err != nil {
			return nil, err
		}
		key, err = storage.NewEncryptionKey(raw)
		if err != nil {
			return nil, err
		}
	}
	return storage.New(storage.Config{Path: f.dbPath, EncryptionKey: key})
}

// NewTracesCommand creates the traces command group.
func NewTracesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Query locally stored traces",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		store       storeFlags
		traceID     string
		since       time.Duration
		minDuration time.Duration
		limit       int
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored traces, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.open()
			if err != nil {
				return err
			}
			defer s.Close()

			filter := storage.TraceFilter{
				TraceID:     traceID,
				MinDuration: minDuration,
				Limit:       limit,
			}
			if since > 0 {
				cutoff := time.Now().Add(-since)
				filter.Since = &cutoff
			}

			records, err := s.ListTraces(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(out))
				return nil
			}

			if len(records) == 0 {
				cmd.Println("no traces found")
				return nil
			}
			for _, rec := range records {
				sampled := " "
				if rec.Sampled {
					sampled = "*"
				}
				cmd.Printf("%s%s  %-40s  %8.1fms  %s\n",
					sampled, rec.TransactionGUID, rec.Name,
					float64(rec.Duration)/float64(time.Millisecond),
					rec.StartTime.Format(time.RFC3339))
			}
			return nil
		},
	}

	store.register(cmd.Flags())
	cmd.Flags().StringVar(&traceID, "trace-id", "", "restrict to one distributed trace")
	cmd.Flags().DurationVar(&since, "since", 0, "only traces started within this window, e.g. 1h")
	cmd.Flags().DurationVar(&minDuration, "min-duration", 0, "only traces at least this slow")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newShowCommand() *cobra.Command {
	var store storeFlags

	cmd := &cobra.Command{
		Use:   "show <txn-guid>",
		Short: "Print one trace with its full segment tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.open()
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.GetTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			cmd.Printf("transaction %s (%s)\n", rec.TransactionGUID, rec.Category)
			cmd.Printf("  trace id: %s\n", rec.TraceID)
			cmd.Printf("  name:     %s\n", rec.Name)
			cmd.Printf("  started:  %s\n", rec.StartTime.Format(time.RFC3339Nano))
			cmd.Printf("  duration: %.2fms  total: %.2fms\n",
				float64(rec.Duration)/float64(time.Millisecond),
				float64(rec.TotalTime)/float64(time.Millisecond))
			cmd.Printf("  sampled:  %v  priority: %.6f  async: %v\n",
				rec.Sampled, rec.Priority, rec.Async)

			if rec.Root == nil {
				return nil
			}
			cmd.Println("  segments:")
			printNode(cmd, rec.Root, 2)
			return nil
		},
	}

	store.register(cmd.Flags())
	return cmd
}

func printNode(cmd *cobra.Command, node *txn.TraceNode, depth int) {
	cmd.Printf("%s%s  [%.2fms - %.2fms]\n",
		strings.Repeat("  ", depth), node.MetricName,
		float64(node.Entry)/float64(time.Millisecond),
		float64(node.Exit)/float64(time.Millisecond))
	for _, child := range node.Children {
		printNode(cmd, child, depth+1)
	}
}
