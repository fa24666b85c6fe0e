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

package harvest

import (
	"sort"
	"sync"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/transaction"
)

// SampleBuffer holds up to limit records per harvest.  Records added
// past the limit are counted in Seen and dropped.
type SampleBuffer[T any] struct {
	method  string
	enabled func(config.Snapshot) bool

	lock  sync.Mutex
	limit int
	items []T
	seen  int
}

func NewSampleBuffer[T any](method string, limit int, enabled func(config.Snapshot) bool) *SampleBuffer[T] {
	if enabled == nil {
		enabled = func(config.Snapshot) bool { return true }
	}
	return &SampleBuffer[T]{
		method:  method,
		enabled: enabled,
		limit:   limit,
	}
}

// NewErrorBuffer, NewEventBuffer and friends bind a SampleBuffer to
// its endpoint and collect flag.

func NewErrorBuffer[T any](limit int) *SampleBuffer[T] {
	return NewSampleBuffer[T](remote.MethodErrorData, limit, func(s config.Snapshot) bool { return s.CollectErrors })
}

func NewEventBuffer[T any](limit int) *SampleBuffer[T] {
	return NewSampleBuffer[T](remote.MethodAnalyticEventData, limit, func(s config.Snapshot) bool { return s.CollectEvents })
}

func NewCustomEventBuffer[T any](limit int) *SampleBuffer[T] {
	return NewSampleBuffer[T](remote.MethodCustomEventData, limit, func(s config.Snapshot) bool { return s.CollectCustomEvents })
}

func NewSpanEventBuffer[T any](limit int) *SampleBuffer[T] {
	return NewSampleBuffer[T](remote.MethodSpanEventData, limit, func(s config.Snapshot) bool { return s.CollectSpanEvents })
}

func (b *SampleBuffer[T]) Method() string {
	return b.method
}

func (b *SampleBuffer[T]) Enabled(snap config.Snapshot) bool {
	return b.enabled(snap)
}

// Add buffers item and reports whether it was kept.
func (b *SampleBuffer[T]) Add(item T) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.seen++
	if len(b.items) >= b.limit {
		return false
	}
	b.items = append(b.items, item)
	return true
}

func (b *SampleBuffer[T]) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.items)
}

// Seen counts every Add since the last Detach, kept or not.
func (b *SampleBuffer[T]) Seen() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.seen
}

func (b *SampleBuffer[T]) Detach() (Batch, bool) {
	b.lock.Lock()
	items, seen := b.items, b.seen
	b.items, b.seen = nil, 0
	b.lock.Unlock()

	if len(items) == 0 {
		return nil, false
	}
	return &sampleBatch[T]{buf: b, items: items, seen: seen}, true
}

type sampleBatch[T any] struct {
	buf   *SampleBuffer[T]
	items []T
	seen  int
}

func (s *sampleBatch[T]) Args() []any {
	return []any{s.items}
}

func (s *sampleBatch[T]) Len() int {
	return len(s.items)
}

// Restore puts the older records ahead of anything added since and
// trims to the limit.
func (s *sampleBatch[T]) Restore() {
	b := s.buf
	b.lock.Lock()
	defer b.lock.Unlock()

	merged := make([]T, 0, len(s.items)+len(b.items))
	merged = append(merged, s.items...)
	merged = append(merged, b.items...)
	if len(merged) > b.limit {
		merged = merged[:b.limit]
	}
	b.items = merged
	b.seen += s.seen
}

// TraceBuffer keeps the slowest limit traces of a harvest period.
type TraceBuffer struct {
	lock   sync.Mutex
	limit  int
	sample func(*transaction.Trace) bool
	traces []*transaction.Trace
	seen   int
}

type TraceOption func(*TraceBuffer)

// WithTraceSampler filters traces before they compete for a slot.
func WithTraceSampler(f func(*transaction.Trace) bool) TraceOption {
	return func(b *TraceBuffer) {
		b.sample = f
	}
}

func NewTraceBuffer(limit int, opts ...TraceOption) *TraceBuffer {
	b := &TraceBuffer{limit: limit}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *TraceBuffer) Method() string {
	return remote.MethodTransactionSampleData
}

func (b *TraceBuffer) Enabled(snap config.Snapshot) bool {
	return snap.CollectTraces
}

// Add offers an ended trace.  It is kept if there is room or if it is
// slower than the fastest kept trace.
func (b *TraceBuffer) Add(tr *transaction.Trace) bool {
	if tr == nil || !tr.Ended() {
		return false
	}
	if b.sample != nil && !b.sample(tr) {
		return false
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	b.seen++
	return b.insert(tr)
}

func (b *TraceBuffer) insert(tr *transaction.Trace) bool {
	if b.limit <= 0 {
		return false
	}
	if len(b.traces) < b.limit {
		b.traces = append(b.traces, tr)
		return true
	}
	fastest := 0
	for i, kept := range b.traces {
		if kept.Duration() < b.traces[fastest].Duration() {
			fastest = i
		}
	}
	if tr.Duration() <= b.traces[fastest].Duration() {
		return false
	}
	b.traces[fastest] = tr
	return true
}

func (b *TraceBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.traces)
}

func (b *TraceBuffer) Seen() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.seen
}

func (b *TraceBuffer) Detach() (Batch, bool) {
	b.lock.Lock()
	traces := b.traces
	b.traces, b.seen = nil, 0
	b.lock.Unlock()

	if len(traces) == 0 {
		return nil, false
	}
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].Duration() > traces[j].Duration()
	})
	return &traceBatch{buf: b, traces: traces}, true
}

type traceBatch struct {
	buf    *TraceBuffer
	traces []*transaction.Trace
}

func (t *traceBatch) Args() []any {
	wire := make([]any, 0, len(t.traces))
	for _, tr := range t.traces {
		wire = append(wire, tr.ToWire())
	}
	return []any{wire}
}

func (t *traceBatch) Len() int {
	return len(t.traces)
}

func (t *traceBatch) Restore() {
	b := t.buf
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, tr := range t.traces {
		b.insert(tr)
	}
}
