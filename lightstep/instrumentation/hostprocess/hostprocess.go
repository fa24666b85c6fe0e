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

package hostprocess // import "github.com/lightstep/harvest-launcher-go/lightstep/instrumentation/hostprocess"

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Metric names recorded by the sampler.
const (
	CPUUserTime        = "CPU/User Time"
	CPUUserUtilization = "CPU/User/Utilization"
	MemoryPhysical     = "Memory/Physical"
	MemoryUtilization  = "Memory/Physical/Utilization"
	HeapUsed           = "Memory/Heap/Used"
	Goroutines         = "Go/Runtime/Goroutines"
	GCPauses           = "GC/System/Pauses"
	GCPauseFraction    = "GC/System/Pause Fraction"
)

const DefaultPeriod = 5 * time.Second

// Recorder receives samples.  harvest.MetricsAggregator satisfies it.
type Recorder interface {
	Record(func(*metric.Table))
}

type config struct {
	Period time.Duration
	Logger *zap.Logger
}

type Option func(*config)

// WithPeriod sets the interval between samples.
func WithPeriod(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.Period = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.Logger = logger
	}
}

// Sampler periodically records process CPU, memory and Go runtime
// statistics.  CPU time and GC pauses are recorded as the change since
// the previous sample.
type Sampler struct {
	cfg  config
	rec  Recorder
	proc *process.Process

	lock sync.Mutex
	prev *sample

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	wait      chan struct{}
}

type sample struct {
	when time.Time

	// cpuOK is false when CPU times could not be read.  userTime is
	// then zero and no CPU delta is taken against this sample.
	userTime float64
	cpuOK    bool

	rss        uint64
	totalRAM   uint64
	heap       uint64
	goroutines int
	numGC      uint32
	pauses     []time.Duration
	gcFraction float64
}

func New(rec Recorder, opts ...Option) (*Sampler, error) {
	cfg := config{
		Period: DefaultPeriod,
		Logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("process sampler: %w", err)
	}
	return &Sampler{
		cfg:  cfg,
		rec:  rec,
		proc: proc,
		stop: make(chan struct{}),
		wait: make(chan struct{}),
	}, nil
}

// Start samples immediately and then once per period until Stop.
func (s *Sampler) Start() {
	s.startOnce.Do(func() {
		s.lock.Lock()
		s.started = true
		s.lock.Unlock()
		go s.run()
	})
}

func (s *Sampler) run() {
	defer close(s.wait)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Period)
		if err := s.Sample(ctx); err != nil {
			s.cfg.Logger.Debug("process sample incomplete", zap.Error(err))
		}
		cancel()

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends sampling.  Safe to call more than once, and before Start.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if started {
		<-s.wait
	}
}

// Sample takes one sample and records it.  Values that could not be
// read are skipped and their errors returned.
func (s *Sampler) Sample(ctx context.Context) error {
	cur, err := s.read(ctx)

	s.lock.Lock()
	prev := s.prev
	s.prev = &cur
	s.lock.Unlock()

	s.rec.Record(func(t *metric.Table) {
		record(t, prev, cur)
	})
	return err
}

func (s *Sampler) read(ctx context.Context) (sample, error) {
	var (
		err error
		cur = sample{when: time.Now(), goroutines: runtime.NumGoroutine()}
	)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	cur.heap = ms.HeapAlloc
	cur.numGC = ms.NumGC
	cur.gcFraction = ms.GCCPUFraction
	cur.pauses = newPauses(&ms)

	if times, terr := s.proc.TimesWithContext(ctx); terr != nil {
		err = multierr.Append(err, fmt.Errorf("cpu times: %w", terr))
	} else {
		cur.userTime = times.User
		cur.cpuOK = true
	}

	if info, merr := s.proc.MemoryInfoWithContext(ctx); merr != nil {
		err = multierr.Append(err, fmt.Errorf("memory info: %w", merr))
	} else {
		cur.rss = info.RSS
	}

	if vm, verr := mem.VirtualMemoryWithContext(ctx); verr != nil {
		err = multierr.Append(err, fmt.Errorf("virtual memory: %w", verr))
	} else {
		cur.totalRAM = vm.Total
	}
	return cur, err
}

// newPauses returns the most recent GC pauses, newest first, from the
// runtime's circular buffer.
func newPauses(ms *runtime.MemStats) []time.Duration {
	n := int(ms.NumGC)
	if n > len(ms.PauseNs) {
		n = len(ms.PauseNs)
	}
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		idx := (int(ms.NumGC) - 1 - i + len(ms.PauseNs)) % len(ms.PauseNs)
		out = append(out, time.Duration(ms.PauseNs[idx]))
	}
	return out
}

const mib = 1 << 20

func record(t *metric.Table, prev *sample, cur sample) {
	t.RecordValue(Goroutines, "", float64(cur.goroutines), float64(cur.goroutines))
	t.RecordValue(HeapUsed, "", float64(cur.heap)/mib, float64(cur.heap)/mib)
	t.RecordValue(GCPauseFraction, "", cur.gcFraction, cur.gcFraction)

	if cur.rss > 0 {
		t.RecordValue(MemoryPhysical, "", float64(cur.rss)/mib, float64(cur.rss)/mib)
		if cur.totalRAM > 0 {
			u := float64(cur.rss) / float64(cur.totalRAM)
			t.RecordValue(MemoryUtilization, "", u, u)
		}
	}

	if prev == nil {
		return
	}

	if elapsed := cur.when.Sub(prev.when).Seconds(); prev.cpuOK && cur.cpuOK && elapsed > 0 && cur.userTime >= prev.userTime {
		user := cur.userTime - prev.userTime
		t.RecordValue(CPUUserTime, "", user, user)
		u := user / (elapsed * float64(runtime.NumCPU()))
		t.RecordValue(CPUUserUtilization, "", u, u)
	}

	collected := int(cur.numGC - prev.numGC)
	if collected > len(cur.pauses) {
		collected = len(cur.pauses)
	}
	for _, p := range cur.pauses[:collected] {
		t.RecordDuration(GCPauses, "", p, p)
	}
}
