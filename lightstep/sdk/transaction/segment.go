// Copyright Lightstep Authors
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

package transaction

import (
	"sort"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"go.opentelemetry.io/otel/attribute"
)

// Recorder turns a finished segment into metrics.  scope is the name
// of the transaction the segment belongs to and exclusive is the
// segment's exclusive duration.
type Recorder func(s *Segment, scope string, exclusive time.Duration, table *metric.Table)

// Segment is one named, timed node of a Trace.  Children are owned
// top-down; parent is a back reference only.  A child's interval need
// not lie inside its parent's.
type Segment struct {
	trace    *Trace
	parent   *Segment
	name     string
	children []*Segment
	timer    Timer
	attrs    map[attribute.Key]attribute.Value
	recorder Recorder
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) Parent() *Segment {
	return s.parent
}

func (s *Segment) Trace() *Trace {
	return s.trace
}

// Children returns the children in creation order.
func (s *Segment) Children() []*Segment {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	return append([]*Segment(nil), s.children...)
}

// Add creates a child of s.
func (s *Segment) Add(name string) (*Segment, error) {
	return s.trace.Add(name, s)
}

// End stops the segment's timer.  Ending an ended segment, or any
// segment of an ended trace, is a no-op that keeps the first duration;
// End reports whether it had effect.
func (s *Segment) End() bool {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()

	if s.trace.ended || !s.timer.End() {
		return false
	}
	s.trace.popActive(s)
	return true
}

// SetDuration overwrites the duration, keeping the start time.  The
// segments of an ended trace are not changed.
func (s *Segment) SetDuration(d time.Duration) {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()

	if s.trace.ended {
		return
	}
	s.timer.SetDuration(d)
	s.trace.popActive(s)
}

// SetInterval overwrites both start and duration, like SetDuration.
func (s *Segment) SetInterval(start time.Time, d time.Duration) {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()

	if s.trace.ended {
		return
	}
	s.timer.Set(start, d)
	s.trace.popActive(s)
}

func (s *Segment) StartTime() time.Time {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	return s.timer.StartTime()
}

func (s *Segment) Duration() time.Duration {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	return s.timer.Duration()
}

func (s *Segment) IsRunning() bool {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	return s.timer.IsRunning()
}

// ExclusiveDuration returns the duration minus the time covered by
// descendants inside this segment's own interval.  Only the part of a
// descendant that overlaps this segment subtracts.
func (s *Segment) ExclusiveDuration() time.Duration {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()

	var excl time.Duration
	s.exclusiveTimes(s.timer.StartTime(), func(seg *Segment, d time.Duration) {
		if seg == s {
			excl = d
		}
	})
	return excl
}

// exclusiveTimes reports the exclusive duration of every segment in
// the subtree rooted at s, children before parents, and returns the
// merged intervals the subtree covers.  Requires the trace lock.
func (s *Segment) exclusiveTimes(origin time.Time, visit func(*Segment, time.Duration)) []interval {
	own := s.intervalFrom(origin)

	var descendants []interval
	for _, c := range s.children {
		descendants = append(descendants, c.exclusiveTimes(origin, visit)...)
	}
	descendants = merge(descendants)

	visit(s, max(own.length()-coveredWithin(descendants, own), 0))
	return merge(append(descendants, own))
}

func (s *Segment) intervalFrom(origin time.Time) interval {
	start := s.timer.StartTime().Sub(origin)
	return interval{start: start, end: start + s.timer.Duration()}
}

// SetAttributes adds or replaces attributes until the trace ends.
func (s *Segment) SetAttributes(kvs ...attribute.KeyValue) {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()

	if s.trace.ended {
		return
	}
	if s.attrs == nil {
		s.attrs = make(map[attribute.Key]attribute.Value, len(kvs))
	}
	for _, kv := range kvs {
		if !kv.Valid() {
			continue
		}
		s.attrs[kv.Key] = kv.Value
	}
}

// Attributes returns the attributes ordered by key.
func (s *Segment) Attributes() []attribute.KeyValue {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	return s.attributes()
}

func (s *Segment) attributes() []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(s.attrs))
	for k, v := range s.attrs {
		out = append(out, attribute.KeyValue{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// SetRecorder sets the callback run by Trace.Record.
func (s *Segment) SetRecorder(r Recorder) {
	s.trace.lock.Lock()
	defer s.trace.lock.Unlock()
	s.recorder = r
}

// MetricRecorder records the segment's duration and exclusive time
// as name, both scoped to the transaction and unscoped.
func MetricRecorder(name string) Recorder {
	return func(s *Segment, scope string, excl time.Duration, table *metric.Table) {
		d := s.Duration()
		table.RecordDuration(name, scope, d, excl)
		table.RecordDuration(name, "", d, excl)
	}
}
