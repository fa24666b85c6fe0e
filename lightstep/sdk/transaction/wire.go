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

import "time"

// ToWire returns the transaction_sample_data form of the trace:
//
//	[startMs, durationMs, name, uri, rootNode, guid]
//
// where each node is [startOffsetMs, endOffsetMs, name, attributes, children].
func (t *Trace) ToWire() []any {
	t.lock.Lock()
	defer t.lock.Unlock()

	start := t.root.timer.StartTime()
	return []any{
		start.UnixMilli(),
		t.root.timer.Duration().Milliseconds(),
		t.root.name,
		t.uri,
		t.root.toWire(start),
		t.guid,
	}
}

// toWire requires the trace lock.
func (s *Segment) toWire(origin time.Time) []any {
	iv := s.intervalFrom(origin)

	attrs := make(map[string]any, len(s.attrs))
	for _, kv := range s.attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}

	children := make([]any, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c.toWire(origin))
	}

	return []any{
		iv.start.Milliseconds(),
		iv.end.Milliseconds(),
		s.name,
		attrs,
		children,
	}
}
