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

// Package propagation implements the two coexisting wire formats for
// distributed-trace context: the W3C-style traceparent/tracestate header
// pair and the legacy single-header JSON payload. Both decode into the
// same logical model. A transaction accepts exactly one format per
// request; when both are present the standard format wins.
package propagation

import (
	"errors"
	"fmt"
)

// Header names. The legacy header carries the base64 JSON payload.
const (
	TraceParentHeader = "traceparent"
	TraceStateHeader  = "tracestate"
	LegacyHeader      = "tracewire"
)

// legacyHeaderCandidates covers transports that preserve header casing.
var legacyHeaderCandidates = []string{LegacyHeader, "TRACEWIRE", "Tracewire"}

// ErrNoTraceContext is returned when the carrier holds no traceparent
// header at all, as opposed to holding a malformed one.
var ErrNoTraceContext = errors.New("no trace context header present")

// HeaderData is the merged result of parsing the W3C-style header pair:
// the validated traceparent, the decoded vendor entry if one was present
// and well formed, and the untouched foreign tracestate entries for
// re-propagation.
type HeaderData struct {
	TraceParent   *TraceParent
	Payload       *TraceStatePayload
	OtherEntries  []TraceStateEntry
	HadNrEntry    bool // vendor entry present, even if it failed to decode
	PayloadBroken bool // vendor entry present but undecodable
}

// ParseTraceContext extracts and validates trace context from a carrier.
// A missing traceparent returns ErrNoTraceContext; a malformed one
// returns a descriptive error. A bad vendor tracestate entry does not
// fail the parse: the traceparent is still usable and the condition is
// reported through HadNrEntry/PayloadBroken.
func ParseTraceContext(c Carrier, vendorKey string) (*HeaderData, error) {
	raw := c.Get(TraceParentHeader)
	if raw == "" {
		return nil, ErrNoTraceContext
	}
	tp, err := ParseTraceParent(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing traceparent: %w", err)
	}

	hd := &HeaderData{TraceParent: tp}
	state := c.Get(TraceStateHeader)
	if state == "" {
		return hd, nil
	}
	ours, found, rest := SplitTraceState(state, vendorKey)
	hd.OtherEntries = rest
	hd.HadNrEntry = found
	if found {
		payload, err := ParseTraceStatePayload(ours)
		if err != nil {
			hd.PayloadBroken = true
		} else {
			hd.Payload = payload
		}
	}
	return hd, nil
}

// InsertTraceContext writes the traceparent/tracestate pair into a
// carrier: our vendor entry prepended to the foreign entries carried over
// from any accepted inbound header, trimmed to the tracestate size cap.
func InsertTraceContext(c Carrier, traceID, parentID string, sampled bool, vendorKey string, payload *TraceStatePayload, carried []TraceStateEntry) {
	c.Set(TraceParentHeader, FormatTraceParent(traceID, parentID, sampled))
	state := BuildTraceState(vendorKey, payload, carried)
	if state != "" {
		c.Set(TraceStateHeader, state)
	}
}

// LookupLegacyHeader finds the legacy payload header under its candidate
// casings.
func LookupLegacyHeader(c Carrier) string {
	for _, key := range legacyHeaderCandidates {
		if v := c.Get(key); v != "" {
			return v
		}
	}
	return ""
}
