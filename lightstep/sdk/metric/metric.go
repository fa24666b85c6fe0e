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

package metric // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"

import (
	"sync"
	"time"
)

// Values is a copy of the six accumulated fields of a Metric, in wire
// order.  Durations are reported in seconds.
type Values struct {
	CallCount      uint64
	Total          float64
	TotalExclusive float64
	Min            float64
	Max            float64
	SumOfSquares   float64
}

// Metric accumulates count, total, exclusive total, min, max and sum
// of squares.  Min and Max are zero while CallCount is zero.
//
// Metric is safe for concurrent use.
type Metric struct {
	lock sync.Mutex
	v    Values
}

// Record records a single value whose exclusive part equals its total.
func (m *Metric) Record(value float64) {
	m.RecordValue(value, value)
}

// RecordValue records one call with total and exclusive value.
// Exclusive is clamped to [0, total].
func (m *Metric) RecordValue(total, exclusive float64) {
	exclusive = min(max(exclusive, 0), total)

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.v.CallCount == 0 {
		m.v.Min = total
		m.v.Max = total
	} else {
		if total < m.v.Min {
			m.v.Min = total
		}
		if total > m.v.Max {
			m.v.Max = total
		}
	}

	m.v.CallCount++
	m.v.Total += total
	m.v.TotalExclusive += exclusive
	m.v.SumOfSquares += total * total
}

// RecordDuration records one timed call, converting to seconds.
func (m *Metric) RecordDuration(total, exclusive time.Duration) {
	m.RecordValue(total.Seconds(), exclusive.Seconds())
}

// RecordValueInMillis records one timed call given in milliseconds.
func (m *Metric) RecordValueInMillis(totalMillis, exclusiveMillis float64) {
	m.RecordValue(totalMillis/1000, exclusiveMillis/1000)
}

// IncrementCallCount adds n calls without touching the other fields.
func (m *Metric) IncrementCallCount(n uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.v.CallCount += n
}

// Snapshot returns a copy of the accumulated fields.
func (m *Metric) Snapshot() Values {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.v
}

// Merge adds other's fields into m.  Merge is commutative and
// associative.
func (m *Metric) Merge(other *Metric) {
	if other == nil || other == m {
		return
	}
	m.MergeValues(other.Snapshot())
}

// MergeValues adds v into m.
func (m *Metric) MergeValues(v Values) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.v = mergeValues(m.v, v)
}

// Move copies m into a fresh Metric and resets m.
func (m *Metric) Move() *Metric {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := &Metric{}
	out.v, m.v = m.v, Values{}
	return out
}

func mergeValues(to, from Values) Values {
	if !from.isEmpty() {
		if to.isEmpty() {
			to.Min = from.Min
			to.Max = from.Max
		} else {
			to.Min = min(to.Min, from.Min)
			to.Max = max(to.Max, from.Max)
		}
	}

	to.CallCount += from.CallCount
	to.Total += from.Total
	to.TotalExclusive += from.TotalExclusive
	to.SumOfSquares += from.SumOfSquares
	return to
}

// isEmpty reports whether nothing was recorded.  Apdex metrics keep
// counts outside CallCount, so every counter is checked.
func (v Values) isEmpty() bool {
	return v.CallCount == 0 && v.Total == 0 && v.TotalExclusive == 0
}
