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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
)

var (
	ErrNilTrace      = errors.New("transaction: nil trace")
	ErrEmptyName     = errors.New("transaction: segment name is empty")
	ErrTraceEnded    = errors.New("transaction: trace has ended")
	ErrForeignParent = errors.New("transaction: parent belongs to another trace")
)

// Trace is the segment tree of one transaction.  It is mutable until
// End, after which it only answers queries.
type Trace struct {
	lock   sync.Mutex
	root   *Segment
	active *Segment
	guid   string
	uri    string
	ended  bool
}

// New starts a Trace whose root segment is named after the
// transaction.
func New(name string) (*Trace, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	t := &Trace{
		guid: uuid.NewString(),
	}
	t.root = &Segment{trace: t, name: name}
	t.root.timer.Begin()
	t.active = t.root
	return t, nil
}

func (t *Trace) Name() string {
	return t.root.name
}

func (t *Trace) Root() *Segment {
	return t.root
}

func (t *Trace) GUID() string {
	return t.guid
}

// SetURI records the request URI reported with the trace.  It has no
// effect after End.
func (t *Trace) SetURI(uri string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.ended {
		return
	}
	t.uri = uri
}

func (t *Trace) URI() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.uri
}

// Add creates and starts a segment under parent.  A nil parent means
// the innermost segment that is still running.
func (t *Trace) Add(name string, parent *Segment) (*Segment, error) {
	if t == nil {
		return nil, ErrNilTrace
	}
	if name == "" {
		return nil, ErrEmptyName
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.ended {
		return nil, ErrTraceEnded
	}
	if parent == nil {
		parent = t.active
	} else if parent.trace != t {
		return nil, ErrForeignParent
	}

	s := &Segment{trace: t, parent: parent, name: name}
	s.timer.Begin()
	parent.children = append(parent.children, s)
	t.active = s
	return s, nil
}

// Active returns the innermost running segment.
func (t *Trace) Active() *Segment {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active
}

// popActive moves the active pointer off s once s stops running.
// Requires t.lock.
func (t *Trace) popActive(s *Segment) {
	if t.active != s {
		return
	}
	for p := s.parent; p != nil; p = p.parent {
		if p.timer.IsRunning() {
			t.active = p
			return
		}
	}
	t.active = t.root
}

// End ends the root segment and freezes the tree.  Segments still
// running are ended at the root's end time, or given a zero duration
// if they started after it.  End reports whether the trace was still
// open.
func (t *Trace) End() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.ended {
		return false
	}
	t.root.timer.End()
	end := t.root.timer.StartTime().Add(t.root.timer.Duration())
	t.walk(func(s *Segment) {
		if s.timer.IsRunning() {
			start := s.timer.StartTime()
			s.timer.Set(start, end.Sub(start))
		}
	})
	t.ended = true
	t.active = t.root
	return true
}

func (t *Trace) Ended() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.ended
}

// Duration is the root segment's duration.
func (t *Trace) Duration() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.root.timer.Duration()
}

// TotalTime returns the sum of every segment's exclusive duration.
// Nested time is counted once, while work that runs outside its
// parent's interval, including parallel siblings, adds its own span.
func (t *Trace) TotalTime() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	var total time.Duration
	t.root.exclusiveTimes(t.root.timer.StartTime(), func(_ *Segment, d time.Duration) {
		total += d
	})
	return total
}

// Segments returns every segment, root first, in depth-first
// creation order.
func (t *Trace) Segments() []*Segment {
	t.lock.Lock()
	defer t.lock.Unlock()

	var out []*Segment
	t.walk(func(s *Segment) {
		out = append(out, s)
	})
	return out
}

// walk visits the tree depth first.  Requires t.lock.
func (t *Trace) walk(f func(*Segment)) {
	stack := []*Segment{t.root}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		f(s)
		for i := len(s.children) - 1; i >= 0; i-- {
			stack = append(stack, s.children[i])
		}
	}
}

// Record runs every segment's Recorder against table, scoped to the
// transaction name.  Exclusive durations are computed in one pass over
// the tree.
func (t *Trace) Record(table *metric.Table) {
	type pending struct {
		seg  *Segment
		rec  Recorder
		excl time.Duration
	}
	var work []pending

	t.lock.Lock()
	t.root.exclusiveTimes(t.root.timer.StartTime(), func(s *Segment, d time.Duration) {
		if s.recorder != nil {
			work = append(work, pending{seg: s, rec: s.recorder, excl: d})
		}
	})
	t.lock.Unlock()

	// Recorders call back into Segment, so the lock is released first.
	for _, w := range work {
		w.rec(w.seg, t.root.name, w.excl, table)
	}
}
