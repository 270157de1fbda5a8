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

// Package demo implements a self-contained demonstration server: an HTTP
// endpoint traced through the agent middleware plus a paced synthetic
// workload, so the sink pipeline has data flowing through it.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tracewire/tracewire/internal/config"
	"github.com/tracewire/tracewire/internal/log"
	"github.com/tracewire/tracewire/pkg/agent"
	"github.com/tracewire/tracewire/pkg/txn"
)

// NewDemoCommand creates the demo command.
func NewDemoCommand(configPath *string, version string) *cobra.Command {
	var (
		listen   string
		workload float64
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a demonstration server with a synthetic traced workload",
		Long: `Start the agent, serve a traced HTTP endpoint, and generate
background transactions at a fixed rate. Useful for exercising the
metrics endpoint, storage, and export pipeline against live data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.AccountID == "" {
				// The demo needs no real account; give it a stable fake one.
				cfg.AccountID = "190"
				cfg.ApplicationID = "2827902"
				cfg.TrustedAccountKey = "190"
			}

			logger := log.New(&log.Config{
				Level:  cfg.Log.Level,
				Format: log.Format(cfg.Log.Format),
			})

			a, err := agent.New(cfg, agent.Options{Logger: logger, Version: version})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
				t := agent.FromContext(r.Context())
				simulateWork(t)
				fmt.Fprintln(w, "ok")
			})
			middleware := log.NewHTTPMiddleware(logger)
			server := &http.Server{
				Addr:              listen,
				Handler:           middleware.Wrap(a.Middleware(mux)),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				logger.Info("demo server listening", slog.String("addr", listen))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("demo server failed", slog.String("error", err.Error()))
					stop()
				}
			}()

			go generateWorkload(ctx, a, workload, logger)

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown failed", slog.String("error", err.Error()))
			}
			return a.Close(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "demo server address")
	cmd.Flags().Float64Var(&workload, "rate", 2, "synthetic transactions per second")
	return cmd
}

// generateWorkload starts background transactions paced by a rate limiter
// until the context is cancelled.
func generateWorkload(ctx context.Context, a *agent.Agent, perSecond float64, logger *slog.Logger) {
	if perSecond <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	names := []string{"jobs/reindex", "jobs/cleanup", "jobs/report", "jobs/sync"}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		name := names[rand.Intn(len(names))]
		t := a.StartTransaction(name, txn.CategoryBackground)
		simulateWork(t)
		a.FinishTransaction(t)
		log.Trace(logger, "synthetic transaction finished",
			log.String("name", name), log.String("txn_id", t.GUID()))
	}
}

// simulateWork attaches a small realistic segment tree to the transaction.
func simulateWork(t *txn.Transaction) {
	if t == nil {
		return
	}

	seg := t.StartSegment("prepare")
	time.Sleep(500 * time.Microsecond)
	seg.Finish()

	db := t.StartDatastoreSegment(txn.DatastoreParams{
		Product:    "SQLite",
		Operation:  "select",
		Collection: "items",
	})
	time.Sleep(time.Duration(rand.Intn(3)+1) * time.Millisecond)
	db.Finish()

	if rand.Intn(4) == 0 {
		ext := t.StartExternalSegment(txn.ExternalParams{
			Host:      "api.example.com",
			Library:   "http",
			Procedure: "GET",
		})
		time.Sleep(time.Duration(rand.Intn(5)+1) * time.Millisecond)
		if rand.Intn(8) == 0 {
			ext.NoticeError(errors.New("upstream timeout"))
		}
		ext.Finish()
	}
}
