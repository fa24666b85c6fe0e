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

import (
	"encoding/json"
	"fmt"
)

// WireKey is the object form of a Key on the wire.
type WireKey struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

// WireEntry encodes as [{name, scope}, [count, total, exclusive, min, max, sumOfSquares]].
type WireEntry struct {
	Key    WireKey
	Values Values
}

// Wire is the metrics array of a metric_data payload.
type Wire []WireEntry

func (e WireEntry) MarshalJSON() ([]byte, error) {
	v := e.Values
	return json.Marshal([]any{
		e.Key,
		[]any{v.CallCount, v.Total, v.TotalExclusive, v.Min, v.Max, v.SumOfSquares},
	})
}

func (e *WireEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("metric entry: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return fmt.Errorf("metric entry key: %w", err)
	}
	var nums []float64
	if err := json.Unmarshal(pair[1], &nums); err != nil {
		return fmt.Errorf("metric entry values: %w", err)
	}
	if len(nums) != 6 {
		return fmt.Errorf("metric entry values: expected 6 numbers, got %d", len(nums))
	}
	if nums[0] < 0 {
		return fmt.Errorf("metric entry values: negative call count %v", nums[0])
	}
	e.Values = Values{
		CallCount:      uint64(nums[0]),
		Total:          nums[1],
		TotalExclusive: nums[2],
		Min:            nums[3],
		Max:            nums[4],
		SumOfSquares:   nums[5],
	}
	return nil
}

// ToWire returns the table's entries ordered by name then scope.
func (t *Table) ToWire() Wire {
	keys := t.Keys()
	out := make(Wire, 0, len(keys))

	t.lock.RLock()
	defer t.lock.RUnlock()
	for _, k := range keys {
		m, ok := t.metrics[k]
		if !ok {
			continue
		}
		out = append(out, WireEntry{
			Key:    WireKey{Name: k.Name, Scope: k.Scope},
			Values: m.Snapshot(),
		})
	}
	return out
}

// FromWire rebuilds a Table from its wire form.  Repeated keys are
// merged.  Renaming rules are not applied to decoded names.
func FromWire(w Wire, opts ...Option) *Table {
	t := NewTable(opts...)
	for _, e := range w {
		t.getOrCreate(Key{Name: e.Key.Name, Scope: e.Key.Scope}).MergeValues(e.Values)
	}
	return t
}
