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

package txn

import (
	"errors"
	"sync"
	"time"

	"github.com/tracewire/tracewire/pkg/propagation"
)

// Supportability counter names recorded through the metric sink.
const (
	MetricSegmentLimitReached = "Supportability/Transaction/SegmentLimitReached"

	MetricTraceContextCreateSuccess   = "Supportability/TraceContext/Create/Success"
	MetricTraceContextCreateException = "Supportability/TraceContext/Create/Exception"
	MetricTraceContextAcceptSuccess   = "Supportability/TraceContext/Accept/Success"
	MetricTraceContextAcceptException = "Supportability/TraceContext/Accept/Exception"
	MetricAcceptIgnoredMultiple       = "Supportability/TraceContext/Accept/Ignored/Multiple"
	MetricAcceptIgnoredAfterCreate    = "Supportability/TraceContext/Accept/Ignored/CreateBeforeAccept"
	MetricTraceStateNoEntry           = "Supportability/TraceContext/TraceState/NoEntry"
	MetricTraceStateInvalidEntry      = "Supportability/TraceContext/TraceState/InvalidEntry"

	MetricPayloadCreateSuccess   = "Supportability/DistributedTrace/CreatePayload/Success"
	MetricPayloadAcceptSuccess   = "Supportability/DistributedTrace/AcceptPayload/Success"
	MetricPayloadAcceptException = "Supportability/DistributedTrace/AcceptPayload/Exception"
	MetricPayloadAcceptUntrusted = "Supportability/DistributedTrace/AcceptPayload/Untrusted"
)

// Transport names recorded when accepting inbound trace context. Any
// string is accepted; these are the conventional values.
const (
	TransportHTTP    = "HTTP"
	TransportHTTPS   = "HTTPS"
	TransportKafka   = "Kafka"
	TransportAMQP    = "AMQP"
	TransportQueue   = "Queue"
	TransportOther   = "Other"
	TransportUnknown = "Unknown"
)

// distributedTracer holds a transaction's distributed-trace state: the one
// accepted inbound format, the carried-over foreign tracestate entries,
// and the outbound creation bookkeeping. A transaction accepts at most one
// inbound context, and never after it has created an outbound one.
type distributedTracer struct {
	opts PropagationOptions

	mu           sync.Mutex
	accepted     bool
	inserted     bool
	headerData   *propagation.HeaderData
	parentType   string
	parentTxnID  string
	transport    string
	createdCount int
}

// AcceptDistributedTraceHeaders accepts inbound trace context from a
// carrier, trying the W3C-style pair first and falling back to the legacy
// header. When both formats are present the standard pair wins and the
// legacy header is ignored. Returns whether a context was accepted.
func (t *Transaction) AcceptDistributedTraceHeaders(transport string, c propagation.Carrier) bool {
	if c.Get(propagation.TraceParentHeader) != "" {
		return t.AcceptTraceContext(transport, c)
	}
	if raw := propagation.LookupLegacyHeader(c); raw != "" {
		return t.AcceptDistributedTracePayload(transport, raw)
	}
	return false
}

// AcceptTraceContext parses and adopts a W3C-style traceparent/tracestate
// pair. Malformed input never propagates an error to the caller: the
// request proceeds untraced for this hop. At most one accept per
// transaction; accepts after an outbound create are ignored.
func (t *Transaction) AcceptTraceContext(transport string, c propagation.Carrier) bool {
	if !t.dt.opts.Enabled {
		return false
	}
	if t.ignoreAccept() {
		return false
	}

	vendorKey := propagation.VendorKey(t.dt.opts.TrustedAccountKey, t.dt.opts.AccountID)
	hd, err := propagation.ParseTraceContext(c, vendorKey)
	if err != nil {
		if !errors.Is(err, propagation.ErrNoTraceContext) {
			t.increment(MetricTraceContextAcceptException)
			t.logger.Debug("failed to accept trace context", "error", err.Error())
		}
		return false
	}

	parentSampled := hd.TraceParent.Sampled()
	remote := RemoteSample{ParentSampled: &parentSampled}

	switch {
	case hd.Payload != nil:
		// The vendor entry key embeds the trust key, so a decoded payload
		// is trusted by construction.
		remote.PayloadSampled = hd.Payload.Sampled
		remote.PayloadPriority = hd.Payload.Priority
	case hd.PayloadBroken:
		t.increment(MetricTraceStateInvalidEntry)
	case !hd.HadNrEntry:
		t.increment(MetricTraceStateNoEntry)
	}

	t.mu.Lock()
	t.traceID = hd.TraceParent.TraceID
	t.parentSpanID = hd.TraceParent.ParentID
	traceID := t.traceID
	t.mu.Unlock()

	t.dt.mu.Lock()
	t.dt.accepted = true
	t.dt.headerData = hd
	t.dt.transport = transport
	if hd.Payload != nil {
		t.dt.parentType = hd.Payload.ParentType()
		t.dt.parentTxnID = hd.Payload.TxnID
	}
	t.dt.mu.Unlock()

	t.applyRemoteSampling(traceID, remote)
	t.increment(MetricTraceContextAcceptSuccess)
	return true
}

// AcceptDistributedTracePayload parses and adopts a legacy single-header
// payload. An untrusted payload keeps the caller's trace id for
// continuity but never sets local sampling or parentage.
func (t *Transaction) AcceptDistributedTracePayload(transport, raw string) bool {
	if !t.dt.opts.Enabled {
		return false
	}
	if t.ignoreAccept() {
		return false
	}

	p, err := propagation.ParsePayload(raw)
	if err != nil {
		t.increment(MetricPayloadAcceptException)
		t.logger.Debug("failed to accept distributed trace payload", "error", err.Error())
		return false
	}

	trusted := p.Trusted(t.dt.opts.TrustedAccountKey, t.dt.opts.AccountID)

	t.mu.Lock()
	t.traceID = p.TraceID
	traceID := t.traceID
	if trusted {
		t.parentSpanID = p.SpanID
	}
	t.mu.Unlock()

	if !trusted {
		t.increment(MetricPayloadAcceptUntrusted)
		t.logger.Debug("distributed trace payload from untrusted account; propagation only",
			"account", p.AccountID)
		return false
	}

	t.dt.mu.Lock()
	t.dt.accepted = true
	t.dt.parentType = p.ParentType
	t.dt.parentTxnID = p.TransactionID
	t.dt.transport = transport
	t.dt.mu.Unlock()

	t.applyRemoteSampling(traceID, RemoteSample{
		ParentSampled:   p.Sampled,
		PayloadSampled:  p.Sampled,
		PayloadPriority: p.Priority,
	})
	t.increment(MetricPayloadAcceptSuccess)
	return true
}

func (t *Transaction) applyRemoteSampling(traceID string, remote RemoteSample) {
	if t.resolver == nil {
		return
	}
	sampled, priority := t.resolver.DetermineRemoteSampling(traceID, remote)
	t.setSampled(sampled, priority)
}

// ignoreAccept enforces the at-most-once inbound rule and the
// no-accept-after-create rule.
func (t *Transaction) ignoreAccept() bool {
	t.dt.mu.Lock()
	defer t.dt.mu.Unlock()
	if t.dt.accepted {
		t.increment(MetricAcceptIgnoredMultiple)
		return true
	}
	if t.dt.inserted || t.dt.createdCount > 0 {
		t.increment(MetricAcceptIgnoredAfterCreate)
		return true
	}
	return false
}

// CreateDistributedTracePayload builds a fresh outbound envelope. Each
// call increments the transaction's payload order counter, forcing the
// sampling decision if it is still pending.
func (t *Transaction) CreateDistributedTracePayload() *propagation.Payload {
	if !t.dt.opts.Enabled {
		return nil
	}
	t.ensureSamplingDecision()
	sampled := t.Sampled()
	priority := t.Priority()

	spanID := ""
	if !t.dt.opts.DisableSpanEvents {
		if cur := t.CurrentSegment(); cur != nil {
			spanID = cur.GUID()
		}
	}

	t.dt.mu.Lock()
	t.dt.createdCount++
	order := t.dt.createdCount
	t.dt.mu.Unlock()

	trustKey := t.dt.opts.TrustedAccountKey
	if trustKey == "" {
		trustKey = t.dt.opts.AccountID
	}
	p := &propagation.Payload{
		Version:           [2]int{0, 1},
		ParentType:        propagation.ParentTypeName(propagation.ParentTypeApp),
		AccountID:         t.dt.opts.AccountID,
		ApplicationID:     t.dt.opts.ApplicationID,
		TrustedAccountKey: trustKey,
		TransactionID:     t.guid,
		SpanID:            spanID,
		TraceID:           t.TraceID(),
		Sampled:           &sampled,
		Priority:          &priority,
		TimestampMs:       time.Now().UnixMilli(),
		Order:             order,
	}
	t.increment(MetricPayloadCreateSuccess)
	return p
}

// InsertDistributedTraceHeaders writes outbound trace context into a
// carrier: always the W3C-style pair, plus the legacy header unless
// excluded by configuration. Foreign tracestate entries from an accepted
// inbound header are carried through behind our own entry.
func (t *Transaction) InsertDistributedTraceHeaders(c propagation.Carrier) {
	if !t.dt.opts.Enabled {
		return
	}
	t.ensureSamplingDecision()
	sampled := t.Sampled()
	priority := t.Priority()

	parentID := t.guid
	spanID := ""
	if cur := t.CurrentSegment(); cur != nil {
		parentID = cur.GUID()
	}
	if !t.dt.opts.DisableSpanEvents {
		spanID = parentID
	}

	t.dt.mu.Lock()
	var carried []propagation.TraceStateEntry
	if t.dt.headerData != nil {
		carried = t.dt.headerData.OtherEntries
	}
	t.dt.inserted = true
	t.dt.mu.Unlock()

	vendorKey := propagation.VendorKey(t.dt.opts.TrustedAccountKey, t.dt.opts.AccountID)
	statePayload := &propagation.TraceStatePayload{
		Version:      0,
		ParentTypeID: propagation.ParentTypeApp,
		AccountID:    t.dt.opts.AccountID,
		AppID:        t.dt.opts.ApplicationID,
		SpanID:       spanID,
		TxnID:        t.guid,
		Sampled:      &sampled,
		Priority:     &priority,
		TimestampMs:  time.Now().UnixMilli(),
	}
	propagation.InsertTraceContext(c, t.TraceID(), parentID, sampled, vendorKey, statePayload, carried)
	t.increment(MetricTraceContextCreateSuccess)

	if !t.dt.opts.ExcludeLegacyHeader {
		if p := t.CreateDistributedTracePayload(); p != nil {
			c.Set(propagation.LegacyHeader, p.HTTPSafe())
		}
	}
}

// ParentTransactionID returns the caller's transaction id from an
// accepted inbound context, or empty.
func (t *Transaction) ParentTransactionID() string {
	t.dt.mu.Lock()
	defer t.dt.mu.Unlock()
	return t.dt.parentTxnID
}

// ParentSpanID returns the caller's span id from an accepted inbound
// context, or empty.
func (t *Transaction) ParentSpanID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parentSpanID
}

// TransportType returns the transport named when inbound context was
// accepted ("HTTP", "Kafka", ...), or empty.
func (t *Transaction) TransportType() string {
	t.dt.mu.Lock()
	defer t.dt.mu.Unlock()
	return t.dt.transport
}

// CreatedPayloadCount returns how many outbound payloads this transaction
// has produced.
func (t *Transaction) CreatedPayloadCount() int {
	t.dt.mu.Lock()
	defer t.dt.mu.Unlock()
	return t.dt.createdCount
}

func (t *Transaction) increment(name string) {
	if t.metrics != nil {
		t.metrics.Increment(name)
	}
}
