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

package metric

import "time"

// ApdexZone classifies one response time against the apdex threshold.
type ApdexZone int

const (
	Satisfying ApdexZone = iota
	Tolerating
	Frustrating
)

func (z ApdexZone) String() string {
	switch z {
	case Satisfying:
		return "S"
	case Tolerating:
		return "T"
	case Frustrating:
		return "F"
	}
	return "?"
}

// ZoneOf returns Satisfying for d <= apdexT, Tolerating for
// d <= 4*apdexT and Frustrating otherwise.
func ZoneOf(d, apdexT time.Duration) ApdexZone {
	switch {
	case d <= apdexT:
		return Satisfying
	case d <= 4*apdexT:
		return Tolerating
	}
	return Frustrating
}

// RecordApdex records one response time into an apdex metric.
//
// Apdex metrics share the Metric shape: CallCount, Total and
// TotalExclusive hold the satisfying, tolerating and frustrating
// counts, and Min and Max both carry the threshold in seconds.
func (m *Metric) RecordApdex(d, apdexT time.Duration) {
	m.RecordApdexZone(ZoneOf(d, apdexT), apdexT)
}

// RecordApdexZone increments the counter for zone.  Errored
// transactions are recorded as Frustrating regardless of duration.
func (m *Metric) RecordApdexZone(zone ApdexZone, apdexT time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch zone {
	case Satisfying:
		m.v.CallCount++
	case Tolerating:
		m.v.Total++
	default:
		m.v.TotalExclusive++
	}
	m.v.Min = apdexT.Seconds()
	m.v.Max = apdexT.Seconds()
}
