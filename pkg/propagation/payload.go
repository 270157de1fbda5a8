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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
)

// Payload versions this implementation can read. A payload with a larger
// major version is rejected; a larger minor version within a supported
// major parses with unknown fields ignored.
var supportedPayloadVersion = [2]int{0, 1}

// Payload is the legacy distributed-trace envelope: a JSON document sent
// either raw or base64 obfuscated in a single proprietary header. It is
// created fresh per outbound call and immutable after construction.
type Payload struct {
	Version           [2]int
	ParentType        string
	AccountID         string
	ApplicationID     string
	TrustedAccountKey string // omitted on the wire when equal to AccountID
	TransactionID     string
	SpanID            string
	TraceID           string
	Sampled           *bool
	Priority          *float64
	TimestampMs       int64
	Order             int // nth payload created by the transaction, not serialized
}

type payloadJSON struct {
	Version [2]int          `json:"v"`
	Data    payloadDataJSON `json:"d"`
}

type payloadDataJSON struct {
	ParentType        string   `json:"ty"`
	AccountID         string   `json:"ac"`
	ApplicationID     string   `json:"ap"`
	TrustedAccountKey string   `json:"tk,omitempty"`
	TransactionID     string   `json:"tx,omitempty"`
	SpanID            string   `json:"id,omitempty"`
	TraceID           string   `json:"tr"`
	Sampled           *bool    `json:"sa,omitempty"`
	Priority          *float64 `json:"pr,omitempty"`
	TimestampMs       int64    `json:"ti"`
}

// Text returns the payload as a JSON document. The trust key is elided
// when it matches the account id, keeping the wire form minimal.
func (p *Payload) Text() string {
	tk := p.TrustedAccountKey
	if tk == p.AccountID {
		tk = ""
	}
	doc := payloadJSON{
		Version: p.Version,
		Data: payloadDataJSON{
			ParentType:        p.ParentType,
			AccountID:         p.AccountID,
			ApplicationID:     p.ApplicationID,
			TrustedAccountKey: tk,
			TransactionID:     p.TransactionID,
			SpanID:            p.SpanID,
			TraceID:           p.TraceID,
			Sampled:           p.Sampled,
			Priority:          p.Priority,
			TimestampMs:       p.TimestampMs,
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}

// HTTPSafe returns the base64 form used in headers.
func (p *Payload) HTTPSafe() string {
	return base64.StdEncoding.EncodeToString([]byte(p.Text()))
}

// ParsePayload decodes a legacy payload from either its raw JSON or
// base64 form. Any malformed or version-incompatible input returns an
// error; the caller logs and drops it rather than aborting the request.
func ParsePayload(input string) (*Payload, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, payloadErr("empty payload", nil)
	}
	text := input
	if input[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(input)
		if err != nil {
			return nil, payloadErr("payload is neither JSON nor base64", err)
		}
		text = string(decoded)
	}

	var doc payloadJSON
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, payloadErr("malformed payload JSON", err)
	}
	if doc.Version[0] > supportedPayloadVersion[0] {
		return nil, payloadErr(fmt.Sprintf("unsupported payload version %d.%d", doc.Version[0], doc.Version[1]), nil)
	}
	d := doc.Data
	if d.ParentType == "" || d.AccountID == "" || d.ApplicationID == "" || d.TraceID == "" {
		return nil, payloadErr("payload missing mandatory fields", nil)
	}
	if d.TransactionID == "" && d.SpanID == "" {
		return nil, payloadErr("payload carries neither transaction id nor span id", nil)
	}
	if d.TimestampMs <= 0 {
		return nil, payloadErr("payload missing timestamp", nil)
	}
	tk := d.TrustedAccountKey
	if tk == "" {
		tk = d.AccountID
	}
	return &Payload{
		Version:           doc.Version,
		ParentType:        d.ParentType,
		AccountID:         d.AccountID,
		ApplicationID:     d.ApplicationID,
		TrustedAccountKey: tk,
		TransactionID:     d.TransactionID,
		SpanID:            d.SpanID,
		TraceID:           d.TraceID,
		Sampled:           d.Sampled,
		Priority:          d.Priority,
		TimestampMs:       d.TimestampMs,
	}, nil
}

func payloadErr(reason string, cause error) error {
	return &twerrors.PayloadError{
		Header: LegacyHeader,
		Reason: reason,
		Cause:  cause,
	}
}

// Trusted reports whether the payload's trust key matches the local one
// (or, absent a configured trust key, whether the account ids match).
// Untrusted payloads are passed through for propagation but never set
// local sampling or parentage.
func (p *Payload) Trusted(trustedAccountKey, accountID string) bool {
	if trustedAccountKey != "" {
		return p.TrustedAccountKey == trustedAccountKey
	}
	return p.AccountID == accountID
}
