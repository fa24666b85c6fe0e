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
	"sync"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/transaction"
)

// Endpoint is one payload type delivered on every harvest.
type Endpoint interface {
	// Method is the collector method receiving the payload.
	Method() string

	// Enabled reports whether the collector wants this payload.
	Enabled(config.Snapshot) bool

	// Detach takes ownership of the buffered data and installs an
	// empty buffer.  It returns false when there is nothing to send.
	Detach() (Batch, bool)
}

// Batch is detached data owned by one harvest.
type Batch interface {
	// Args is the payload following the run id.
	Args() []any

	// Restore merges the data back into the live buffer.
	Restore()

	// Len is the number of records, for logging.
	Len() int
}

// configurable endpoints follow configuration updates.
type configurable interface {
	Configure(config.Snapshot)
}

// MetricsAggregator owns the live metric.Table.  Producers write
// under a read lock; Detach swaps the table under the write lock, so
// each write lands entirely in the old or the new table.
type MetricsAggregator struct {
	lock  sync.RWMutex
	live  *metric.Table
	start time.Time

	opts   []metric.Option
	apdexT time.Duration
	now    func() time.Time
}

var _ Endpoint = (*MetricsAggregator)(nil)

func NewMetricsAggregator(opts ...metric.Option) *MetricsAggregator {
	a := &MetricsAggregator{
		opts: opts,
		now:  time.Now,
	}
	a.live = metric.NewTable(opts...)
	a.apdexT = a.live.ApdexT()
	a.start = a.now()
	return a
}

func (a *MetricsAggregator) Method() string {
	return remote.MethodMetricData
}

func (a *MetricsAggregator) Enabled(config.Snapshot) bool {
	return true
}

// Configure applies the collector's apdex_t to the live table and to
// every table installed later.
func (a *MetricsAggregator) Configure(snap config.Snapshot) {
	if snap.ApdexT <= 0 {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.apdexT = snap.ApdexT
	a.live.SetApdexT(snap.ApdexT)
}

// Record runs f against the live table.  f must not retain the table.
func (a *MetricsAggregator) Record(f func(*metric.Table)) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	f(a.live)
}

func (a *MetricsAggregator) RecordValue(name, scope string, total, exclusive float64) {
	a.Record(func(t *metric.Table) {
		t.RecordValue(name, scope, total, exclusive)
	})
}

func (a *MetricsAggregator) RecordDuration(name, scope string, total, exclusive time.Duration) {
	a.Record(func(t *metric.Table) {
		t.RecordDuration(name, scope, total, exclusive)
	})
}

// RecordTrace runs the segment recorders of an ended trace.
func (a *MetricsAggregator) RecordTrace(tr *transaction.Trace) {
	a.Record(tr.Record)
}

func (a *MetricsAggregator) Detach() (Batch, bool) {
	fresh := metric.NewTable(a.opts...)
	now := a.now()

	a.lock.Lock()
	fresh.SetApdexT(a.apdexT)
	old, start := a.live, a.start
	a.live, a.start = fresh, now
	a.lock.Unlock()

	if old.Empty() {
		return nil, false
	}
	return &metricsBatch{agg: a, table: old, start: start, end: now}, true
}

// Snapshot copies the live table, for tests and debugging.
func (a *MetricsAggregator) Snapshot() metric.Wire {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.live.ToWire()
}

type metricsBatch struct {
	agg        *MetricsAggregator
	table      *metric.Table
	start, end time.Time
}

func (b *metricsBatch) Args() []any {
	return []any{b.start.Unix(), b.end.Unix(), b.table.ToWire()}
}

func (b *metricsBatch) Len() int {
	return b.table.Len()
}

// Restore merges the table back and extends the current period to
// cover it.
func (b *metricsBatch) Restore() {
	a := b.agg
	a.lock.Lock()
	defer a.lock.Unlock()
	a.live.Merge(b.table)
	if b.start.Before(a.start) {
		a.start = b.start
	}
}
