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

package agent

import (
	"context"
	"net/http"

	"github.com/tracewire/tracewire/pkg/propagation"
	"github.com/tracewire/tracewire/pkg/txn"
)

type contextKey struct{}

// NewContext stores the transaction on the context.
func NewContext(ctx context.Context, t *txn.Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the transaction from the context, nil when absent.
func FromContext(ctx context.Context) *txn.Transaction {
	t, _ := ctx.Value(contextKey{}).(*txn.Transaction)
	return t
}

// StartSegment starts a segment on the context's transaction. Returns nil
// when no transaction is present; callers must nil-check before use.
func StartSegment(ctx context.Context, name string) *txn.Segment {
	t := FromContext(ctx)
	if t == nil {
		return nil
	}
	return t.StartSegment(name)
}

// Middleware wraps an HTTP handler so every request runs inside a web
// transaction. Inbound trace context headers are accepted before any
// handler code runs, and the transaction ends when the handler returns.
func (a *Agent) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := a.StartTransaction(r.Method+" "+r.URL.Path, txn.CategoryWeb)
		transport := txn.TransportHTTP
		if r.TLS != nil {
			transport = txn.TransportHTTPS
		}
		t.AcceptDistributedTraceHeaders(transport, propagation.HeaderCarrier(r.Header))
		defer a.FinishTransaction(t)

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), t)))
	})
}

// RoundTripper wraps an HTTP transport so outbound requests carry the
// transaction's trace context headers and are timed as external segments.
type RoundTripper struct {
	// Base is the wrapped transport, http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}

	t := FromContext(req.Context())
	if t == nil {
		return base.RoundTrip(req)
	}

	seg := t.StartExternalSegment(txn.ExternalParams{
		Host:      req.URL.Host,
		URI:       req.URL.String(),
		Library:   "http",
		Procedure: req.Method,
	})
	defer seg.Finish()

	// Clone before mutating headers; the request may be retried.
	req = req.Clone(req.Context())
	t.InsertDistributedTraceHeaders(propagation.HeaderCarrier(req.Header))

	resp, err := base.RoundTrip(req)
	if err != nil {
		seg.NoticeError(err)
	}
	return resp, err
}
