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
)

// interval is a half-open span [start, end) measured as offsets from
// a common origin.
type interval struct {
	start time.Duration
	end   time.Duration
}

func (i interval) length() time.Duration {
	return i.end - i.start
}

// clip returns the part of i inside bounds.
func (i interval) clip(bounds interval) (interval, bool) {
	out := interval{
		start: max(i.start, bounds.start),
		end:   min(i.end, bounds.end),
	}
	return out, out.end > out.start
}

// merge returns spans as a sorted list of disjoint intervals.  Empty
// spans are dropped and spans is reordered.
func merge(spans []interval) []interval {
	valid := spans[:0]
	for _, s := range spans {
		if s.end > s.start {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].start < valid[j].start
	})

	out := []interval{valid[0]}
	for _, s := range valid[1:] {
		cur := &out[len(out)-1]
		if s.start <= cur.end {
			cur.end = max(cur.end, s.end)
			continue
		}
		out = append(out, s)
	}
	return out
}

// coveredWithin returns how much of bounds the disjoint intervals in
// merged cover.
func coveredWithin(merged []interval, bounds interval) time.Duration {
	var total time.Duration
	for _, s := range merged {
		if c, ok := s.clip(bounds); ok {
			total += c.length()
		}
	}
	return total
}
