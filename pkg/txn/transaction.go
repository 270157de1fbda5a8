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
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Category classifies the unit of work a transaction models.
type Category string

const (
	CategoryWeb        Category = "Web"
	CategoryBackground Category = "Background"
	CategoryMessage    Category = "Message"
	CategoryOther      Category = "Other"
)

// DefaultSegmentLimit is the retention ceiling applied when Options leaves
// SegmentLimit unset. Segments past the ceiling are still timed and still
// record metrics; they are only excluded from the retained tree.
const DefaultSegmentLimit = 4000

// PriorityPrecision is the number of decimal digits priorities are rounded
// to, matching the wire encoding.
const PriorityPrecision = 6

// RemoteSample carries the sampling information extracted from an inbound
// distributed trace, handed to the resolver for the remote-parent decision.
// Nil pointers mean the field was absent on the wire (Browser and Mobile
// payloads carry neither sampled nor priority).
type RemoteSample struct {
	ParentSampled   *bool
	PayloadSampled  *bool
	PayloadPriority *float64
}

// SamplingResolver decides whether a transaction's trace is retained and
// assigns its priority. Sampled decisions produce priority in [1.0, 2.0)
// and non-sampled in [0.0, 1.0); always-on is exactly 2.0 and always-off 0.
type SamplingResolver interface {
	DetermineRootSampling(traceID string) (sampled bool, priority float64)
	DetermineRemoteSampling(traceID string, remote RemoteSample) (sampled bool, priority float64)
}

// PropagationOptions identifies this application inside a distributed
// trace and controls which outbound header formats are written.
type PropagationOptions struct {
	Enabled             bool
	AccountID           string
	ApplicationID       string
	TrustedAccountKey   string
	ExcludeLegacyHeader bool
	DisableSpanEvents   bool
}

// Options configures a Transaction at start. Only Name is required; every
// sink is optional and a nil sink simply drops that output.
type Options struct {
	Name         string
	Category     Category
	Start        time.Time
	SegmentLimit int
	Resolver     SamplingResolver
	Metrics      MetricSink
	Traces       TraceSink
	Spans        SpanSink
	Errors       ErrorSink
	Logger       *slog.Logger
	Propagation  PropagationOptions
}

// Transaction owns the segment tree for one unit of work. It is safe to
// share one Transaction across goroutines: segments may start on one
// goroutine and finish on another. Ordering of operations against the same
// parent segment remains the caller's responsibility.
type Transaction struct {
	guid     string
	category Category
	start    time.Time
	limit    int

	resolver SamplingResolver
	metrics  MetricSink
	traces   TraceSink
	spans    SpanSink
	errors   ErrorSink
	logger   *slog.Logger

	asyncFlag atomic.Bool
	totalTime atomic.Int64

	mu           sync.Mutex
	name         string
	traceID      string
	parentSpanID string
	segments     []*Segment
	current      *Segment
	lastEnd      time.Time
	end          time.Time
	finished     bool
	sampled      *bool
	priority     float64
	segmentCount int
	droppedCount int
	limitLogged  bool
	forcedWarned bool

	dt distributedTracer
}

// Start begins a new transaction. A zero Options.Start means "now".
func Start(opts Options) *Transaction {
	start := opts.Start
	if start.IsZero() {
		start = time.Now()
	}
	category := opts.Category
	if category == "" {
		category = CategoryOther
	}
	limit := opts.SegmentLimit
	if limit <= 0 {
		limit = DefaultSegmentLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transaction{
		guid:     newGUID(),
		category: category,
		start:    start,
		limit:    limit,
		resolver: opts.Resolver,
		metrics:  opts.Metrics,
		traces:   opts.Traces,
		spans:    opts.Spans,
		errors:   opts.Errors,
		logger:   logger,
		name:     opts.Name,
		traceID:  newTraceID(),
		priority: math.NaN(),
	}
	t.dt.opts = opts.Propagation
	return t
}

// GUID returns the transaction's identifier.
func (t *Transaction) GUID() string { return t.guid }

// TraceID returns the id shared by every participant in the distributed
// trace. Accepting an inbound payload replaces it with the caller's.
func (t *Transaction) TraceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traceID
}

// Category returns the transaction's classification.
func (t *Transaction) Category() Category { return t.category }

// StartTime returns when the transaction began.
func (t *Transaction) StartTime() time.Time { return t.start }

// FinalName returns the transaction name used for scoped metrics and the
// trace.
func (t *Transaction) FinalName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName renames the transaction. Renaming after End is rejected with a
// warning, mirroring name freezing at completion.
func (t *Transaction) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		t.logger.Warn("attempted to rename transaction after completion",
			"name", t.name, "rejected", name)
		return
	}
	t.name = name
}

// Async reports whether any segment has had concurrent children or has
// outlived its parent. Once set it stays set for the transaction's life.
func (t *Transaction) Async() bool { return t.asyncFlag.Load() }

func (t *Transaction) setAsync() { t.asyncFlag.Store(true) }

// TotalTime is the aggregate work across all segments, accumulated from
// their exclusive durations. It equals Duration for a fully synchronous
// tree and exceeds it once work overlaps.
func (t *Transaction) TotalTime() time.Duration {
	return time.Duration(t.totalTime.Load())
}

func (t *Transaction) addTotalTime(d time.Duration) {
	t.totalTime.Add(int64(d))
}

// Duration is the wall-clock span from the transaction start to the last
// segment end. Before any segment finishes (or when the transaction had no
// segments) it falls back to the transaction's own end time.
func (t *Transaction) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := t.lastEnd
	if last.IsZero() {
		last = t.end
	}
	if last.IsZero() {
		return 0
	}
	return last.Sub(t.start)
}

// SegmentCount returns how many segments have been started, including any
// past the retention ceiling.
func (t *Transaction) SegmentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segmentCount
}

// CurrentSegment returns the transaction's cursor: the segment new work
// parents to when no explicit parent is supplied.
func (t *Transaction) CurrentSegment() *Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// StartSegment creates a generic segment parented to the current cursor
// and makes it the new cursor.
func (t *Transaction) StartSegment(name string) *Segment {
	return t.startSegment(name, CategoryGeneric, nil, nil, time.Time{})
}

// StartSegmentAt is StartSegment with an explicit parent and start time.
// A nil parent means "use the current cursor"; a zero time means "now".
func (t *Transaction) StartSegmentAt(name string, parent *Segment, at time.Time) *Segment {
	return t.startSegment(name, CategoryGeneric, parent, nil, at)
}

func (t *Transaction) startSegment(name, category string, parent *Segment, rollups []string, at time.Time) *Segment {
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		t.logger.Debug("segment started after transaction end; not recorded", "segment", name)
		s := newSegment(nil, nil, name, category, at)
		s.dropped = true
		return s
	}
	if parent == nil {
		parent = t.current
	}
	if parent != nil && at.Before(parent.start) {
		// Child start times are monotonic relative to the parent's start.
		at = parent.start
	}
	s := newSegment(t, parent, name, category, at)
	s.rollups = rollups
	t.segmentCount++
	if len(t.segments) < t.limit {
		t.segments = append(t.segments, s)
	} else {
		s.dropped = true
		s.recordOnFinish = true
		t.droppedCount++
		if !t.limitLogged {
			t.limitLogged = true
			t.logger.Warn("segment limit reached; further segments will be timed but not retained",
				"txn_id", t.guid, "limit", t.limit)
			if t.metrics != nil {
				t.metrics.Increment(MetricSegmentLimitReached)
			}
		}
	}
	t.current = s
	t.mu.Unlock()

	if parent != nil {
		parent.childStart()
	}
	return s
}

// AddSegment attaches a segment created outside the generic path to the
// tree. The segment must not already belong to a transaction.
func (t *Transaction) AddSegment(s *Segment, parent *Segment) {
	if s == nil || s.txn != nil {
		return
	}
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if parent == nil {
		parent = t.current
	}
	s.txn = t
	s.parent = parent
	t.segmentCount++
	if len(t.segments) < t.limit {
		t.segments = append(t.segments, s)
	} else {
		s.dropped = true
		s.recordOnFinish = true
		t.droppedCount++
	}
	t.current = s
	t.mu.Unlock()

	if parent != nil {
		parent.childStart()
	}
}

// segmentComplete is the callback a finishing segment fires on its owning
// transaction. It pops the cursor if the finishing segment holds it and
// advances the last-end watermark used for Duration.
func (t *Transaction) segmentComplete(s *Segment) {
	end := s.EndTime()
	t.mu.Lock()
	if t.current == s {
		t.current = s.parent
	}
	if end.After(t.lastEnd) {
		t.lastEnd = end
	}
	t.mu.Unlock()

	if err := s.NoticedError(); err != nil && t.errors != nil {
		t.errors.ConsumeError(NoticedError{
			TransactionGUID: t.guid,
			TraceID:         t.TraceID(),
			TransactionName: t.FinalName(),
			SegmentName:     s.Name(),
			SegmentGUID:     s.GUID(),
			At:              end,
			Err:             err,
		})
	}
}

// Sampled reports the sampling decision, forcing one if it has not been
// made yet.
func (t *Transaction) Sampled() bool {
	t.ensureSamplingDecision()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sampled != nil && *t.sampled
}

// Priority returns the retention ranking value assigned with the sampling
// decision.
func (t *Transaction) Priority() float64 {
	t.ensureSamplingDecision()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// ensureSamplingDecision makes the root sampling decision on first use.
// An accepted inbound payload will usually have decided already.
func (t *Transaction) ensureSamplingDecision() {
	t.mu.Lock()
	if t.sampled != nil {
		t.mu.Unlock()
		return
	}
	traceID := t.traceID
	t.mu.Unlock()

	var sampled bool
	var priority float64
	if t.resolver != nil {
		sampled, priority = t.resolver.DetermineRootSampling(traceID)
	} else {
		// No resolver wired; retain everything so data is not silently
		// lost in minimal setups.
		sampled, priority = true, 1.0
	}
	t.setSampled(sampled, priority)
}

// setSampled records a decision unless one has already been made.
func (t *Transaction) setSampled(sampled bool, priority float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sampled != nil {
		return
	}
	t.sampled = &sampled
	t.priority = RoundPriority(priority)
}

// RoundPriority rounds a priority to the wire precision.
func RoundPriority(p float64) float64 {
	const shift = 1e6 // 10^PriorityPrecision
	return math.Round(p*shift) / shift
}

// End completes the transaction now.
func (t *Transaction) End() { t.EndAt(time.Now()) }

// EndAt finalizes the transaction exactly once: unfinished segments are
// force-finished at the supplied time, the sampling decision is made if
// still pending, every retained segment is finalized in insertion order,
// and the trace, span events and transaction metrics are handed to the
// sinks. Calling EndAt again is a no-op.
func (t *Transaction) EndAt(at time.Time) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.end = at
	segments := make([]*Segment, len(t.segments))
	copy(segments, t.segments)
	t.mu.Unlock()

	for _, s := range segments {
		if !s.Finished() {
			t.forceFinish(s, at)
		}
	}

	t.ensureSamplingDecision()

	for _, s := range segments {
		s.finalize()
	}

	t.mu.Lock()
	if t.end.After(t.lastEnd) {
		// No segment outlived the transaction; the transaction's own end
		// bounds the duration.
		t.lastEnd = t.end
	}
	t.mu.Unlock()

	t.emit(segments)
}

// forceFinish closes a segment left open at transaction end. The segment is
// clamped to the transaction's end time, which makes exclusive time for its
// parent chain an approximation; that is the documented trade-off for not
// losing the segment entirely. Warned once per transaction to avoid log
// storms.
func (t *Transaction) forceFinish(s *Segment, at time.Time) {
	t.mu.Lock()
	warned := t.forcedWarned
	t.forcedWarned = true
	t.mu.Unlock()
	if !warned {
		t.logger.Warn("segment unfinished at end of transaction; forcing finish, parent timing may be inaccurate",
			"txn_id", t.guid, "segment", s.Name())
	}
	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()
	s.FinishAt(at)
}

func (t *Transaction) emit(segments []*Segment) {
	if t.start.IsZero() {
		// A transaction without a start time cannot produce a coherent
		// trace. Metrics already recorded stand.
		t.logger.Error("transaction has no start time; trace emission skipped", "txn_id", t.guid)
		return
	}

	dur := t.Duration()
	if t.metrics != nil {
		t.metrics.RecordDuration(t.FinalName(), "", dur, dur)
		t.metrics.RecordDuration(t.rollupName(), "", dur, dur)
	}

	trace := BuildTrace(t)
	if t.traces != nil && trace != nil {
		t.traces.ConsumeTrace(trace)
	}

	if t.Sampled() && t.spans != nil && !t.dt.opts.DisableSpanEvents {
		t.spans.ConsumeSpans(t.buildSpanEvents(segments))
	}
}

func (t *Transaction) rollupName() string {
	if t.category == CategoryWeb {
		return "WebTransaction"
	}
	return "OtherTransaction"
}

// retainedSegments returns the tree-retained segments in insertion order.
func (t *Transaction) retainedSegments() []*Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Finished reports whether End has run.
func (t *Transaction) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}
