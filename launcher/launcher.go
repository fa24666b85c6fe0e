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

package launcher

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/harvest"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/transaction"
	"github.com/lightstep/harvest-launcher-go/pipelines"
	"go.uber.org/zap"
)

type Launcher struct {
	config        Config
	pipeline      *pipelines.Pipeline
	logger        *zap.Logger
	shutdownFuncs []func() error
}

// ConfigureAgent validates the configuration, starts connecting to
// the collector and starts the periodic harvest.  Configuration
// errors are reported through Logger.Fatalf.
func ConfigureAgent(opts ...Option) Launcher {
	c := newConfig(opts...)

	if c.LogLevel == "debug" {
		logConfiguration(c)
	}

	err := validateConfiguration(c)
	if err != nil {
		c.logger.Fatalf("configuration error: %v", err)
	}

	ls := Launcher{
		config: c,
		logger: c.zap,
	}
	if err != nil {
		return ls
	}

	p, shutdown, err := setupHarvest(c)
	if err != nil {
		c.logger.Fatalf("harvest setup failed: %v", err)
		return ls
	}
	ls.pipeline = p
	if shutdown != nil {
		ls.shutdownFuncs = append(ls.shutdownFuncs, shutdown)
	}
	return ls
}

// Pipeline returns nil when configuration failed.
func (ls Launcher) Pipeline() *pipelines.Pipeline {
	return ls.pipeline
}

// Shutdown performs a final harvest and disconnects from the
// collector.
func (ls Launcher) Shutdown() {
	for _, shutdown := range ls.shutdownFuncs {
		if err := shutdown(); err != nil {
			ls.config.logger.Fatalf("failed to stop harvest: %v", err)
		}
	}
	if ls.logger != nil {
		_ = ls.logger.Sync()
	}
}

// Transaction is one unit of work.  Its segments form the trace, and
// ending it records metrics, an analytic event and a trace candidate.
type Transaction struct {
	ls    Launcher
	name  string
	trace *transaction.Trace

	lock   sync.Mutex
	ended  bool
	errors []harvest.ErrorRecord
	attrs  map[string]any
}

// StartTransaction returns nil when the launcher is not configured
// or name is empty.  A nil *Transaction ignores every call.
func (ls Launcher) StartTransaction(name string) *Transaction {
	if ls.pipeline == nil {
		return nil
	}
	if name == "" {
		ls.logger.Debug("transaction not started", zap.Error(transaction.ErrEmptyName))
		return nil
	}
	// The root carries the metric name, which scopes segment metrics.
	tr, err := transaction.New(webTransactionPrefix + name)
	if err != nil {
		ls.logger.Debug("transaction not started", zap.Error(err))
		return nil
	}
	return &Transaction{ls: ls, name: name, trace: tr}
}

// Trace returns the underlying segment tree.
func (t *Transaction) Trace() *transaction.Trace {
	if t == nil {
		return nil
	}
	return t.trace
}

// StartSegment adds a child of the active segment.  Its duration is
// recorded as a metric of the same name.
func (t *Transaction) StartSegment(name string) (*transaction.Segment, error) {
	if t == nil {
		return nil, transaction.ErrNilTrace
	}
	s, err := t.trace.Add(name, nil)
	if err != nil {
		return nil, err
	}
	s.SetRecorder(transaction.MetricRecorder(name))
	return s, nil
}

// AddAttribute attaches a user attribute to the transaction event and
// its errors.  It has no effect after End.
func (t *Transaction) AddAttribute(key string, value any) {
	if t == nil {
		return
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.ended {
		return
	}
	if t.attrs == nil {
		t.attrs = map[string]any{}
	}
	t.attrs[key] = value
}

// NoticeError records err against the transaction.  Errored
// transactions count as frustrating.  It has no effect after End.
func (t *Transaction) NoticeError(err error) {
	if t == nil || err == nil {
		return
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.ended {
		return
	}
	t.errors = append(t.errors, newErrorRecord(t.trace.Name(), err))
}

// End ends the transaction.  Only the
// first call records anything.
func (t *Transaction) End() {
	if t == nil {
		return
	}
	t.lock.Lock()
	already := t.ended
	t.ended = true
	errs := t.errors
	attrs := maps.Clone(t.attrs)
	t.lock.Unlock()

	if already || !t.trace.End() {
		return
	}
	p := t.ls.pipeline
	name := t.name
	metricName := t.trace.Name()
	total := t.trace.Duration()
	totalTime := t.trace.TotalTime()
	exclusive := t.trace.Root().ExclusiveDuration()

	p.Metrics.Record(func(table *metric.Table) {
		table.RecordDuration(metricName, "", total, exclusive)
		table.RecordDuration("WebTransaction", "", total, total)
		table.RecordDuration("WebTransactionTotalTime/Go/"+name, "", totalTime, totalTime)

		zone := metric.ZoneOf(total, table.ApdexT())
		if len(errs) > 0 {
			zone = metric.Frustrating
			table.RecordValue("Errors/all", "", 1, 1)
			table.RecordValue("Errors/"+metricName, "", 1, 1)
		}
		table.RecordApdexZone("Apdex", "", zone)
		table.RecordApdexZone("Apdex/Go/"+name, "", zone)
	})
	p.Metrics.RecordTrace(t.trace)
	p.Traces.Add(t.trace)

	// Buffers encode records concurrently during a harvest, so no two
	// records share a map.
	for _, rec := range errs {
		rec.Attributes = maps.Clone(attrs)
		p.Errors.Add(rec)
	}

	event := harvest.NewTransactionEvent(metricName, t.trace.Root().StartTime(), total, attrs)
	event.Intrinsics["guid"] = t.trace.GUID()
	if len(errs) > 0 {
		event.Intrinsics["error"] = true
	}
	p.Events.Add(event)
}

// NoticeError records an error outside any transaction.
func (ls Launcher) NoticeError(err error) {
	if ls.pipeline == nil || err == nil {
		return
	}
	ls.pipeline.Errors.Add(newErrorRecord("OtherTransaction/Go/unknown", err))
}

// RecordCustomEvent queues a user-defined event.
func (ls Launcher) RecordCustomEvent(eventType string, attrs map[string]any) error {
	if ls.pipeline == nil {
		return errNotConfigured
	}
	if eventType == "" {
		return errors.New("custom event: empty type")
	}
	ls.pipeline.CustomEvents.Add(harvest.NewCustomEvent(eventType, time.Now(), attrs))
	return nil
}

// RecordCustomMetric records value under "Custom/<name>".
func (ls Launcher) RecordCustomMetric(name string, value float64) error {
	if ls.pipeline == nil {
		return errNotConfigured
	}
	if name == "" {
		return errors.New("custom metric: empty name")
	}
	ls.pipeline.Metrics.RecordValue("Custom/"+name, "", value, value)
	return nil
}

const webTransactionPrefix = "WebTransaction/Go/"

var errNotConfigured = errors.New("launcher is not configured")

func newErrorRecord(txn string, err error) harvest.ErrorRecord {
	return harvest.ErrorRecord{
		When:        time.Now(),
		Transaction: txn,
		Message:     err.Error(),
		Class:       fmt.Sprintf("%T", err),
	}
}
