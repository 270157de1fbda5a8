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
	"errors"
	"strings"
	"testing"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
)

func TestVendorKey(t *testing.T) {
	tests := []struct {
		trustKey, accountID, want string
	}{
		{"33", "190", "33@nr"},
		{"", "190", "190@nr"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := VendorKey(tt.trustKey, tt.accountID); got != tt.want {
			t.Errorf("VendorKey(%q, %q) = %q, want %q", tt.trustKey, tt.accountID, got, tt.want)
		}
	}
}

func TestParentTypeName(t *testing.T) {
	tests := []struct {
		id   int
		want string
	}{
		{ParentTypeApp, "App"},
		{ParentTypeBrowser, "Browser"},
		{ParentTypeMobile, "Mobile"},
		{99, "App"},
	}
	for _, tt := range tests {
		if got := ParentTypeName(tt.id); got != tt.want {
			t.Errorf("ParentTypeName(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestParseTraceStatePayload(t *testing.T) {
	sampled := true
	priority := 0.789

	tests := []struct {
		name    string
		value   string
		wantErr bool
		check   func(t *testing.T, p *TraceStatePayload)
	}{
		{
			"full entry",
			"0-0-33-2827902-7d3efb1b173fecfa-e8b91a159289ff74-1-0.789000-1563574856827",
			false,
			func(t *testing.T, p *TraceStatePayload) {
				if p.AccountID != "33" || p.AppID != "2827902" {
					t.Errorf("identity = %q/%q", p.AccountID, p.AppID)
				}
				if p.SpanID != "7d3efb1b173fecfa" || p.TxnID != "e8b91a159289ff74" {
					t.Errorf("ids = %q/%q", p.SpanID, p.TxnID)
				}
				if p.Sampled == nil || *p.Sampled != sampled {
					t.Error("sampled not decoded")
				}
				if p.Priority == nil || *p.Priority != priority {
					t.Error("priority not decoded")
				}
				if p.ParentType() != "App" {
					t.Errorf("parent type = %q", p.ParentType())
				}
			},
		},
		{
			"browser entry without sampling",
			"0-1-33-2827902--e8b91a159289ff74---1563574856827",
			false,
			func(t *testing.T, p *TraceStatePayload) {
				if p.Sampled != nil || p.Priority != nil {
					t.Error("absent sampling fields decoded as present")
				}
				if p.ParentType() != "Browser" {
					t.Errorf("parent type = %q", p.ParentType())
				}
			},
		},
		{
			"future version trailing fields",
			"1-0-33-2827902-7d3efb1b173fecfa-e8b91a159289ff74-1-0.789000-1563574856827-futurefield",
			false,
			nil,
		},
		{"version 0 trailing fields", "0-0-33-2827902-a-b-1-0.7-1563574856827-extra", true, nil},
		{"too few fields", "0-0-33-2827902-1563574856827", true, nil},
		{"bad version", "x-0-33-2827902-a-b---1563574856827", true, nil},
		{"bad sampled flag", "0-0-33-2827902-a-b-yes--1563574856827", true, nil},
		{"bad priority", "0-0-33-2827902-a-b-1-high-1563574856827", true, nil},
		{"zero timestamp", "0-0-33-2827902-a-b-1-0.7-0", true, nil},
		{"missing account", "0-0--2827902-a-b-1-0.7-1563574856827", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseTraceStatePayload(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsed %q without error", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTraceStatePayload(%q): %v", tt.value, err)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestTraceStatePayloadStringRoundTrip(t *testing.T) {
	sampled := true
	priority := 1.234567
	p := &TraceStatePayload{
		Version:      0,
		ParentTypeID: ParentTypeApp,
		AccountID:    "190",
		AppID:        "2827902",
		SpanID:       "7d3efb1b173fecfa",
		TxnID:        "e8b91a159289ff74",
		Sampled:      &sampled,
		Priority:     &priority,
		TimestampMs:  1563574856827,
	}
	parsed, err := ParseTraceStatePayload(p.String())
	if err != nil {
		t.Fatalf("own wire form does not parse: %v", err)
	}
	if parsed.String() != p.String() {
		t.Errorf("round trip changed the encoding:\n %q\n %q", p.String(), parsed.String())
	}
}

func TestSplitTraceState(t *testing.T) {
	header := "congo=t61rcWkgMzE, 190@nr=0-0-190-2827902----1563574856827 ,rojo=00f067aa0ba902b7,,broken"
	ours, found, rest := SplitTraceState(header, "190@nr")
	if !found {
		t.Fatal("vendor entry not found")
	}
	if ours != "0-0-190-2827902----1563574856827" {
		t.Errorf("ours = %q", ours)
	}
	if len(rest) != 2 {
		t.Fatalf("rest = %v, want congo and rojo", rest)
	}
	if rest[0].Key != "congo" || rest[1].Key != "rojo" {
		t.Errorf("foreign order = %q, %q", rest[0].Key, rest[1].Key)
	}

	_, found, rest = SplitTraceState("congo=a,rojo=b", "190@nr")
	if found {
		t.Error("vendor entry reported present")
	}
	if len(rest) != 2 {
		t.Errorf("rest = %v", rest)
	}
}

func TestBuildTraceStateOrdersOursFirst(t *testing.T) {
	p := &TraceStatePayload{
		Version: 0, ParentTypeID: ParentTypeApp,
		AccountID: "190", AppID: "2827902", TimestampMs: 1563574856827,
	}
	out := BuildTraceState("190@nr", p, []TraceStateEntry{
		{Key: "congo", Value: "t61rcWkgMzE"},
		{Key: "rojo", Value: "00f067aa0ba902b7"},
	})
	parts := strings.Split(out, ",")
	if len(parts) != 3 {
		t.Fatalf("parts = %v", parts)
	}
	if !strings.HasPrefix(parts[0], "190@nr=") {
		t.Errorf("first entry = %q, want ours", parts[0])
	}
	if !strings.HasPrefix(parts[1], "congo=") || !strings.HasPrefix(parts[2], "rojo=") {
		t.Error("foreign entry order not preserved")
	}
}

func TestBuildTraceStateTrimsLargestForeignFirst(t *testing.T) {
	p := &TraceStatePayload{
		Version: 0, ParentTypeID: ParentTypeApp,
		AccountID: "190", AppID: "2827902", TimestampMs: 1563574856827,
	}
	big := TraceStateEntry{Key: "big", Value: strings.Repeat("x", 600)}
	small := TraceStateEntry{Key: "small", Value: "v"}

	out := BuildTraceState("190@nr", p, []TraceStateEntry{big, small})
	if len(out) > TraceStateSizeLimit {
		t.Fatalf("tracestate size %d exceeds the cap", len(out))
	}
	if strings.Contains(out, "big=") {
		t.Error("largest foreign entry survived the trim")
	}
	if !strings.Contains(out, "small=v") {
		t.Error("small foreign entry was trimmed")
	}
	if !strings.HasPrefix(out, "190@nr=") {
		t.Error("our entry must never be trimmed")
	}
}

func TestBuildTraceStateWithoutVendorEntry(t *testing.T) {
	out := BuildTraceState("", nil, []TraceStateEntry{{Key: "congo", Value: "a"}})
	if out != "congo=a" {
		t.Errorf("out = %q", out)
	}
	if got := BuildTraceState("", nil, nil); got != "" {
		t.Errorf("empty build = %q", got)
	}
}

func TestParseTraceStatePayloadErrorIdentifiesHeader(t *testing.T) {
	_, err := ParseTraceStatePayload("0-0-190")
	if err == nil {
		t.Fatal("expected an error for a truncated payload")
	}
	var payloadErr *twerrors.PayloadError
	if !errors.As(err, &payloadErr) {
		t.Fatalf("err = %T, want *twerrors.PayloadError", err)
	}
	if payloadErr.Header != TraceStateHeader {
		t.Errorf("Header = %q, want %q", payloadErr.Header, TraceStateHeader)
	}
}
