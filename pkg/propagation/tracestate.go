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

package propagation

import (
	"fmt"
	"strconv"
	"strings"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
)

// TraceStateVendorSuffix is appended to the tenant id to form our vendor
// key inside tracestate, e.g. "190@nr".
const TraceStateVendorSuffix = "@nr"

// TraceStateSizeLimit caps the serialized tracestate header. Oversized
// lists are trimmed by dropping the largest foreign entry first rather
// than truncating arbitrarily.
const TraceStateSizeLimit = 512

// Parent type ids carried in the vendor entry.
const (
	ParentTypeApp     = 0
	ParentTypeBrowser = 1
	ParentTypeMobile  = 2
)

// VendorKey builds the tracestate list key for a tenant: the trusted
// account key when configured, otherwise the account id.
func VendorKey(trustedAccountKey, accountID string) string {
	if trustedAccountKey != "" {
		return trustedAccountKey + TraceStateVendorSuffix
	}
	if accountID != "" {
		return accountID + TraceStateVendorSuffix
	}
	return ""
}

// ParentTypeName maps a parent type id to its wire name.
func ParentTypeName(id int) string {
	switch id {
	case ParentTypeBrowser:
		return "Browser"
	case ParentTypeMobile:
		return "Mobile"
	default:
		return "App"
	}
}

// TraceStateEntry is one key=value member of a tracestate list.
type TraceStateEntry struct {
	Key   string
	Value string
}

func (e TraceStateEntry) String() string { return e.Key + "=" + e.Value }

// TraceStatePayload is the decoded vendor entry of a tracestate header:
// the compact delimited form
//
//	{version}-{parentTypeID}-{accountID}-{appID}-{spanID}-{txnID}-{sampled}-{priority}-{timestampMs}
//
// Sampled and Priority are optional on inbound payloads; Browser and
// Mobile callers carry neither.
type TraceStatePayload struct {
	Version      int
	ParentTypeID int
	AccountID    string
	AppID        string
	SpanID       string
	TxnID        string
	Sampled      *bool
	Priority     *float64
	TimestampMs  int64
}

// ParentType returns the wire name for the payload's parent type id.
func (p *TraceStatePayload) ParentType() string { return ParentTypeName(p.ParentTypeID) }

// Valid reports whether the mandatory fields survived parsing. Span and
// transaction ids, sampled and priority may all legitimately be absent.
func (p *TraceStatePayload) Valid() bool {
	return p != nil && p.Version >= 0 && p.AccountID != "" && p.AppID != "" && p.TimestampMs > 0
}

// String renders the compact delimited wire form. Optional fields encode
// as empty strings between delimiters; priority uses fixed %.6f precision.
func (p *TraceStatePayload) String() string {
	sampled := ""
	if p.Sampled != nil {
		if *p.Sampled {
			sampled = "1"
		} else {
			sampled = "0"
		}
	}
	priority := ""
	if p.Priority != nil {
		priority = strconv.FormatFloat(*p.Priority, 'f', 6, 64)
	}
	return fmt.Sprintf("%d-%d-%s-%s-%s-%s-%s-%s-%d",
		p.Version, p.ParentTypeID, p.AccountID, p.AppID,
		p.SpanID, p.TxnID, sampled, priority, p.TimestampMs)
}

// ParseTraceStatePayload decodes the compact delimited form. Trailing
// fields from a future version are preserved-and-ignored; trailing fields
// on version 0 are a validation failure.
func ParseTraceStatePayload(value string) (*TraceStatePayload, error) {
	fields := strings.Split(value, "-")
	if len(fields) < 9 {
		return nil, traceStateErr("payload has %d fields, need at least 9", len(fields))
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil || version < 0 {
		return nil, traceStateErr("invalid payload version %q", fields[0])
	}
	if version == 0 && len(fields) > 9 {
		return nil, traceStateErr("payload version 0 with trailing fields")
	}
	parentType, err := strconv.Atoi(fields[1])
	if err != nil || parentType < 0 {
		return nil, traceStateErr("invalid parent type id %q", fields[1])
	}
	p := &TraceStatePayload{
		Version:      version,
		ParentTypeID: parentType,
		AccountID:    fields[2],
		AppID:        fields[3],
		SpanID:       fields[4],
		TxnID:        fields[5],
	}
	switch fields[6] {
	case "":
	case "1":
		v := true
		p.Sampled = &v
	case "0":
		v := false
		p.Sampled = &v
	default:
		return nil, traceStateErr("invalid sampled flag %q", fields[6])
	}
	if fields[7] != "" {
		pr, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return nil, traceStateErr("invalid priority %q", fields[7])
		}
		p.Priority = &pr
	}
	ts, err := strconv.ParseInt(fields[8], 10, 64)
	if err != nil || ts <= 0 {
		return nil, traceStateErr("invalid timestamp %q", fields[8])
	}
	p.TimestampMs = ts
	if !p.Valid() {
		return nil, traceStateErr("payload missing mandatory fields")
	}
	return p, nil
}

func traceStateErr(format string, args ...interface{}) error {
	return &twerrors.PayloadError{
		Header: TraceStateHeader,
		Reason: fmt.Sprintf(format, args...),
	}
}

// SplitTraceState parses a tracestate header into the entry matching
// vendorKey (raw value, not yet decoded) and the remaining foreign
// entries in their original order. Malformed members are dropped.
func SplitTraceState(header, vendorKey string) (ours string, found bool, rest []TraceStateEntry) {
	for _, member := range strings.Split(header, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		eq := strings.Index(member, "=")
		if eq <= 0 {
			continue
		}
		key, value := member[:eq], member[eq+1:]
		if key == vendorKey && !found {
			ours, found = value, true
			continue
		}
		rest = append(rest, TraceStateEntry{Key: key, Value: value})
	}
	return ours, found, rest
}

// BuildTraceState assembles the outbound header: our vendor entry first,
// then the foreign entries, trimmed to the size cap by repeatedly dropping
// the largest foreign entry. Our own entry is never dropped.
func BuildTraceState(vendorKey string, payload *TraceStatePayload, rest []TraceStateEntry) string {
	entries := make([]TraceStateEntry, 0, len(rest)+1)
	if vendorKey != "" && payload != nil {
		entries = append(entries, TraceStateEntry{Key: vendorKey, Value: payload.String()})
	}
	entries = append(entries, rest...)

	for renderedSize(entries) > TraceStateSizeLimit {
		largest := -1
		start := 0
		if vendorKey != "" && payload != nil {
			start = 1 // protect our entry
		}
		for i := start; i < len(entries); i++ {
			if largest == -1 || len(entries[i].String()) > len(entries[largest].String()) {
				largest = i
			}
		}
		if largest == -1 {
			break
		}
		entries = append(entries[:largest], entries[largest+1:]...)
	}

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

func renderedSize(entries []TraceStateEntry) int {
	size := 0
	for i, e := range entries {
		if i > 0 {
			size++ // comma
		}
		size += len(e.String())
	}
	return size
}
