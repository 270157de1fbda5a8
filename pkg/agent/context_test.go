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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracewire/tracewire/pkg/propagation"
	"github.com/tracewire/tracewire/pkg/txn"
)

func TestContext_RoundTrip(t *testing.T) {
	a, err := New(testConfig(), Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	tx := a.StartTransaction("test", txn.CategoryOther)
	defer a.FinishTransaction(tx)

	ctx := NewContext(context.Background(), tx)
	assert.Same(t, tx, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

func TestStartSegment(t *testing.T) {
	a, err := New(testConfig(), Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	tx := a.StartTransaction("test", txn.CategoryOther)
	ctx := NewContext(context.Background(), tx)

	seg := StartSegment(ctx, "work")
	require.NotNil(t, seg)
	seg.Finish()
	a.FinishTransaction(tx)

	assert.Nil(t, StartSegment(context.Background(), "nowhere"))
}

func TestMiddleware_AcceptsInboundContext(t *testing.T) {
	a, err := New(testConfig(), Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	var inner *txn.Transaction
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders/17", nil)
	req.Header.Set(propagation.TraceParentHeader,
		"00-74be672b84ddc4e4b28be285632bbc0a-27ddd2d8890283b4-01")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, inner)
	assert.Equal(t, "GET /orders/17", inner.FinalName())
	assert.Equal(t, "74be672b84ddc4e4b28be285632bbc0a", inner.TraceID())
	assert.Equal(t, "27ddd2d8890283b4", inner.ParentSpanID())
	assert.True(t, inner.Finished())
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRoundTripper_InsertsHeaders(t *testing.T) {
	a, err := New(testConfig(), Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	var captured http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
	}))
	defer server.Close()

	tx := a.StartTransaction("client/call", txn.CategoryOther)
	ctx := NewContext(context.Background(), tx)

	client := &http.Client{Transport: &RoundTripper{}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	a.FinishTransaction(tx)

	require.NotNil(t, captured)
	assert.NotEmpty(t, captured.Get(propagation.TraceParentHeader))
	assert.NotEmpty(t, captured.Get(propagation.TraceStateHeader))

	// The external call shows up as a scoped metric.
	snapshot := a.Metrics().Snapshot()
	found := false
	for key := range snapshot {
		if key.Name == "External/all" {
			found = true
		}
	}
	assert.True(t, found, "expected External/all rollup metric")
}

func TestRoundTripper_NoTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(propagation.TraceParentHeader) != "" {
			t.Error("headers inserted without a transaction")
		}
	}))
	defer server.Close()

	client := &http.Client{Transport: &RoundTripper{}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
