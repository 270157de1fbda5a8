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
	"sync"
	"sync/atomic"
	"time"
)

// Segment category names used in trace nodes and span events.
const (
	CategoryGeneric       = "generic"
	CategoryDatastore     = "datastore"
	CategoryExternal      = "http"
	CategoryMessageBroker = "message"
)

// Segment is a timed unit of work nested within a Transaction, for example
// one datastore query or one outbound HTTP call. Segments are created
// through the Transaction start methods, attached to the tree immediately,
// and become immutable once finished.
//
// Exclusive duration is computed one of two ways. As long as a segment's
// children run strictly within its lifetime, their durations are summed
// into a cheap aggregate counter. Once children run concurrently with one
// another, or a child outlives this segment, child timings are kept as time
// ranges and overlapping ranges are merged at finalization. The range math
// is more expensive, so it is only switched on when the tree actually needs
// it.
type Segment struct {
	txn    *Transaction
	parent *Segment
	guid   string

	category string
	rollups  []string

	// rangeRecorded is flipped by this segment's parent (or an ancestor)
	// once this segment's time has been captured as a range instead of an
	// aggregate number.
	rangeRecorded atomic.Bool

	mu                 sync.Mutex
	name               string
	start              time.Time
	end                time.Time
	started            bool
	finished           bool
	finalized          bool
	forced             bool
	duration           time.Duration
	exclusive          time.Duration
	childrenTime       time.Duration
	childrenTimings    []timeRange
	activeChildren     int
	concurrentChildren bool
	recordMetrics      bool
	recordOnFinish     bool
	dropped            bool
	params             Params
	noticedErr         error
}

func newSegment(t *Transaction, parent *Segment, name, category string, start time.Time) *Segment {
	return &Segment{
		txn:           t,
		parent:        parent,
		guid:          newGUID(),
		category:      category,
		name:          name,
		start:         start,
		started:       true,
		recordMetrics: true,
	}
}

// GUID returns the segment's identifier, a 16 character lowercase hex string.
func (s *Segment) GUID() string { return s.guid }

// Name returns the segment's metric name.
func (s *Segment) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName replaces the segment's metric name. It has no effect once the
// segment is finished.
func (s *Segment) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.name = name
}

// Parent returns the parent segment, or nil for a root segment.
func (s *Segment) Parent() *Segment { return s.parent }

// Category returns the segment kind: generic, datastore, http or message.
func (s *Segment) Category() string { return s.category }

// StartTime returns the segment's start time.
func (s *Segment) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// EndTime returns the segment's end time; the zero time until finished.
func (s *Segment) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Start records the start time if it has not already been recorded. It is
// an idempotent no-op on a segment that has already started. The zero time
// means "now".
func (s *Segment) Start(at time.Time) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.started = true
	s.start = at
	s.mu.Unlock()
}

// Finished reports whether the segment has an end time.
func (s *Segment) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Duration returns end minus start, or zero while unfinished.
func (s *Segment) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// ExclusiveDuration returns the segment's own time excluding time
// attributed to its children. It is only meaningful after the owning
// transaction has ended (or, for segments past the retention ceiling,
// after Finish).
func (s *Segment) ExclusiveDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exclusive
}

// ConcurrentChildren reports whether at least two direct children of this
// segment have been active at the same time.
func (s *Segment) ConcurrentChildren() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrentChildren
}

// Dropped reports whether the segment was excluded from the retained tree
// because the transaction hit its segment ceiling.
func (s *Segment) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SetRecordMetrics disables or re-enables metric recording for this
// segment. Metrics are recorded by default.
func (s *Segment) SetRecordMetrics(record bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordMetrics = record
}

// NoticeError attaches an error to the segment. The engine does not
// classify or report the error itself; it is handed to the transaction's
// error sink at completion. A second call overwrites the first with a
// debug log, matching the last-error-wins convention.
func (s *Segment) NoticeError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	prev := s.noticedErr
	s.noticedErr = err
	s.mu.Unlock()
	if prev != nil && s.txn != nil {
		s.txn.logger.Debug("segment error overwritten",
			"segment", s.Name(), "previous", prev.Error(), "error", err.Error())
	}
}

// NoticedError returns the error attached via NoticeError, if any.
func (s *Segment) NoticedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noticedErr
}

// Finish ends the segment now.
func (s *Segment) Finish() { s.FinishAt(time.Now()) }

// FinishAt ends the segment at the supplied time, fires the completion
// callbacks on the parent and the owning transaction, and, for segments
// past the retention ceiling, finalizes immediately. The first call wins;
// finishing twice is a logged no-op.
func (s *Segment) FinishAt(at time.Time) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		if s.txn != nil {
			s.txn.logger.Debug("segment finished twice", "segment", s.name)
		}
		return
	}
	if at.Before(s.start) {
		at = s.start
	}
	s.finished = true
	s.end = at
	s.duration = at.Sub(s.start)
	finalizeNow := s.recordOnFinish
	s.mu.Unlock()

	if s.txn == nil {
		return
	}
	if s.parent != nil {
		s.parent.childComplete(s)
	}
	s.txn.segmentComplete(s)
	if finalizeNow {
		s.finalize()
	}
}

// interval returns the (start, end) pair of a finished segment.
func (s *Segment) interval() (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.end
}

// childStart is invoked when a direct child segment starts. Two or more
// simultaneously active children flip the concurrent flag for good and mark
// the whole transaction asynchronous.
func (s *Segment) childStart() {
	s.mu.Lock()
	s.activeChildren++
	if s.activeChildren > 1 {
		s.concurrentChildren = true
	}
	concurrent := s.concurrentChildren
	s.mu.Unlock()
	if concurrent && s.txn != nil {
		s.txn.setAsync()
	}
}

// childComplete is invoked when a direct child finishes. The child's time
// is recorded either as an aggregate number (synchronous case) or as a time
// range (concurrent children, or this segment already finished before the
// child). A child completing after this segment propagates up the ancestor
// chain so exclusive time stays correct.
func (s *Segment) childComplete(child *Segment) {
	cs, ce := child.interval()
	cdur := ce.Sub(cs)

	s.mu.Lock()
	s.activeChildren--
	if s.concurrentChildren || (s.finished && s.end.Before(ce)) {
		s.childrenTimings = append(s.childrenTimings, timeRange{cs, ce})
		child.rangeRecorded.Store(true)
	} else {
		s.childrenTime += cdur
	}
	finished := s.finished
	parent := s.parent
	s.mu.Unlock()

	if finished {
		s.txn.setAsync()
		if parent != nil {
			parent.descendantComplete(s, child)
		}
	}
}

// descendantComplete handles a descendant that finished after this
// segment's direct child. The descendant's timing is added to this
// segment's ranges, and if the direct child's time had previously been
// recorded as an aggregate number it is re-recorded as a range. Propagation
// stops at the first ancestor whose end time covers the descendant's.
func (s *Segment) descendantComplete(child, descendant *Segment) {
	ds, de := descendant.interval()
	cs, ce := child.interval()

	s.mu.Lock()
	s.childrenTimings = append(s.childrenTimings, timeRange{ds, de})
	if child.rangeRecorded.CompareAndSwap(false, true) {
		s.childrenTime -= ce.Sub(cs)
		s.childrenTimings = append(s.childrenTimings, timeRange{cs, ce})
	}
	propagate := s.parent != nil && s.finished && !de.Before(s.end)
	parent := s.parent
	s.mu.Unlock()

	if propagate {
		parent.descendantComplete(s, descendant)
	}
}

// finalize computes exclusive duration, adds it to the transaction's total
// time, and records metrics. It runs once: either at transaction end for
// retained segments, or at Finish for segments past the retention ceiling.
// Faults here degrade to dropped timing data, never to a panic escaping
// into the host application.
func (s *Segment) finalize() {
	defer func() {
		if r := recover(); r != nil && s.txn != nil {
			s.txn.logger.Error("segment finalize fault; timing dropped",
				"segment", s.Name(), "panic", r)
		}
	}()

	s.mu.Lock()
	if s.finalized || !s.finished {
		s.mu.Unlock()
		return
	}
	s.finalized = true

	var overlap time.Duration
	if len(s.childrenTimings) > 0 {
		overlap = computeOverlap(timeRange{s.start, s.end}, mergeRanges(s.childrenTimings))
	}
	excl := s.duration - s.childrenTime - overlap
	if excl < 0 {
		excl = 0
	}
	if excl > s.duration {
		excl = s.duration
	}
	s.exclusive = excl
	record := s.recordMetrics
	name := s.name
	total := s.duration
	rollups := s.rollups
	s.mu.Unlock()

	s.txn.addTotalTime(excl)
	if s.txn.Async() {
		s.setParam("exclusive_duration_millis", float64(excl)/float64(time.Millisecond))
	}
	if record && s.txn.metrics != nil {
		s.txn.metrics.RecordDuration(name, s.txn.FinalName(), total, excl)
		for _, rollup := range rollups {
			s.txn.metrics.RecordDuration(rollup, "", total, excl)
		}
	}
}
