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
	"strings"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
)

// TraceParent is the fixed-field header linking a request into a
// distributed trace: version, trace id, parent span id and flags, all
// lowercase hex.
type TraceParent struct {
	Version  string // 2 hex chars, never "ff"
	TraceID  string // 32 hex chars, never all zero
	ParentID string // 16 hex chars, never all zero
	Flags    string // 2 hex chars
}

const (
	flagSampled = 0x1

	currentVersion = "00"
	invalidVersion = "ff"
)

// Sampled reports whether the sampled bit of the flags field is set.
func (tp *TraceParent) Sampled() bool {
	return len(tp.Flags) == 2 && hexVal(tp.Flags[1])&flagSampled != 0
}

// String renders the header in the canonical
// version-traceid-parentid-flags form.
func (tp *TraceParent) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", tp.Version, tp.TraceID, tp.ParentID, tp.Flags)
}

// FormatTraceParent builds a current-version header value.
func FormatTraceParent(traceID, parentID string, sampled bool) string {
	flags := "00"
	if sampled {
		flags = "01"
	}
	return fmt.Sprintf("%s-%s-%s-%s", currentVersion, strings.ToLower(traceID), strings.ToLower(parentID), flags)
}

// ParseTraceParent validates and decodes a header value. Unknown trailing
// fields are tolerated for future versions and rejected for the current
// one; an all-zero trace or parent id is always invalid. Malformed input
// yields a nil TraceParent and an error the caller is expected to log, not
// raise.
func ParseTraceParent(value string) (*TraceParent, error) {
	fields := strings.Split(strings.TrimSpace(value), "-")
	if len(fields) < 4 {
		return nil, traceParentErr("has %d fields, need at least 4", len(fields))
	}
	tp := &TraceParent{
		Version:  fields[0],
		TraceID:  fields[1],
		ParentID: fields[2],
		Flags:    fields[3],
	}
	if !isLowerHex(tp.Version, 2) || tp.Version == invalidVersion {
		return nil, traceParentErr("invalid version %q", tp.Version)
	}
	if tp.Version == currentVersion && len(fields) > 4 {
		return nil, traceParentErr("version 00 with trailing fields")
	}
	if !isLowerHex(tp.TraceID, 32) || allZero(tp.TraceID) {
		return nil, traceParentErr("invalid trace id %q", tp.TraceID)
	}
	if !isLowerHex(tp.ParentID, 16) || allZero(tp.ParentID) {
		return nil, traceParentErr("invalid parent id %q", tp.ParentID)
	}
	if !isLowerHex(tp.Flags, 2) {
		return nil, traceParentErr("invalid trace flags %q", tp.Flags)
	}
	return tp, nil
}

func traceParentErr(format string, args ...interface{}) error {
	return &twerrors.PayloadError{
		Header: TraceParentHeader,
		Reason: fmt.Sprintf(format, args...),
	}
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}
