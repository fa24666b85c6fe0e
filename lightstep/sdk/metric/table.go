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
	"sort"
	"sync"
	"time"
)

// Key identifies a Metric.  An empty Scope means unscoped.
type Key struct {
	Name  string
	Scope string
}

// Renamer rewrites metric names as they enter a Table.
type Renamer interface {
	Rename(name string) string
}

// RenameMap is a Renamer backed by an exact-match map.
type RenameMap map[string]string

func (r RenameMap) Rename(name string) string {
	if to, ok := r[name]; ok {
		return to
	}
	return name
}

type Option func(*Table)

// WithApdexT sets the threshold used by RecordApdex.
func WithApdexT(apdexT time.Duration) Option {
	return func(t *Table) {
		t.apdexT = apdexT
	}
}

// WithRenamer sets the renaming rules applied on create.
func WithRenamer(r Renamer) Option {
	return func(t *Table) {
		t.renamer = r
	}
}

// Table maps (name, scope) to Metric.  Tables are safe for concurrent
// use, but a Table being serialized for delivery should first be
// detached from producers (see harvest.MetricsAggregator).
type Table struct {
	lock    sync.RWMutex
	metrics map[Key]*Metric
	apdexT  time.Duration
	renamer Renamer
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		metrics: map[Key]*Metric{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// GetOrCreate returns the Metric for (name, scope), creating a zeroed
// one when absent.
func (t *Table) GetOrCreate(name, scope string) *Metric {
	if t.renamer != nil {
		name = t.renamer.Rename(name)
	}
	return t.getOrCreate(Key{Name: name, Scope: scope})
}

func (t *Table) getOrCreate(key Key) *Metric {
	t.lock.RLock()
	m, ok := t.metrics[key]
	t.lock.RUnlock()
	if ok {
		return m
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if m, ok = t.metrics[key]; ok {
		return m
	}
	m = &Metric{}
	t.metrics[key] = m
	return m
}

// Lookup returns the Metric for (name, scope) without creating it.
func (t *Table) Lookup(name, scope string) (*Metric, bool) {
	if t.renamer != nil {
		name = t.renamer.Rename(name)
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	m, ok := t.metrics[Key{Name: name, Scope: scope}]
	return m, ok
}

func (t *Table) RecordValue(name, scope string, total, exclusive float64) {
	t.GetOrCreate(name, scope).RecordValue(total, exclusive)
}

func (t *Table) RecordDuration(name, scope string, total, exclusive time.Duration) {
	t.GetOrCreate(name, scope).RecordDuration(total, exclusive)
}

func (t *Table) RecordValueInMillis(name, scope string, totalMillis, exclusiveMillis float64) {
	t.GetOrCreate(name, scope).RecordValueInMillis(totalMillis, exclusiveMillis)
}

// RecordApdex records d into the apdex metric (name, scope) using the
// table's threshold.
func (t *Table) RecordApdex(name, scope string, d time.Duration) {
	apdexT := t.ApdexT()
	t.GetOrCreate(name, scope).RecordApdex(d, apdexT)
}

// RecordApdexZone records an explicit zone, typically Frustrating for
// an errored transaction.
func (t *Table) RecordApdexZone(name, scope string, zone ApdexZone) {
	apdexT := t.ApdexT()
	t.GetOrCreate(name, scope).RecordApdexZone(zone, apdexT)
}

func (t *Table) ApdexT() time.Duration {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.apdexT
}

// SetApdexT changes the threshold for subsequent apdex records.
func (t *Table) SetApdexT(apdexT time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.apdexT = apdexT
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.metrics)
}

func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Keys returns the keys ordered by name then scope.
func (t *Table) Keys() []Key {
	t.lock.RLock()
	keys := make([]Key, 0, len(t.metrics))
	for k := range t.metrics {
		keys = append(keys, k)
	}
	t.lock.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Scope < keys[j].Scope
	})
	return keys
}

// Merge folds every metric of other into t.  Merging into a live table
// is safe; other should no longer be receiving writes.
func (t *Table) Merge(other *Table) {
	if other == nil || other == t {
		return
	}

	other.lock.RLock()
	values := make(map[Key]Values, len(other.metrics))
	for k, m := range other.metrics {
		values[k] = m.Snapshot()
	}
	other.lock.RUnlock()

	for k, v := range values {
		t.getOrCreate(k).MergeValues(v)
	}
}
