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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gomock "github.com/golang/mock/gomock"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"github.com/stretchr/testify/require"
)

var errHarvest = errors.New("harvest test error")

type fixture struct {
	ctrl    *gomock.Controller
	sender  *MockSender
	store   *config.Store
	metrics *MetricsAggregator
	errs    *SampleBuffer[string]
	coord   *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		ctrl:    ctrl,
		sender:  NewMockSender(ctrl),
		store:   config.NewStore(config.NewSnapshot()),
		metrics: NewMetricsAggregator(),
		errs:    NewErrorBuffer[string](10),
	}
	f.coord = NewCoordinator(f.sender, f.store, []Endpoint{f.metrics, f.errs}, opts...)

	f.metrics.RecordValue("WebTransaction/Go/index", "", 1, 1)
	f.metrics.RecordValue("Datastore/all", "WebTransaction/Go/index", 0.5, 0.5)
	f.errs.Add("first")
	f.errs.Add("second")
	f.errs.Add("third")
	return f
}

func (f *fixture) metricsLen() int {
	return len(f.metrics.Snapshot())
}

func TestHarvestSkippedWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Connected().Return(false)

	require.NoError(t, f.coord.Harvest(context.Background()))
	require.Equal(t, 2, f.metricsLen())
	require.Equal(t, 3, f.errs.Len())
}

func TestHarvestResponsePolicy(t *testing.T) {
	for _, tc := range []struct {
		name   string
		result collector.Result
		kept   bool
	}{
		{"cleared_on_success", collector.Result{Action: collector.Clear}, false},
		{"retained_on_server_error", collector.Result{Action: collector.Retain, Err: errHarvest}, true},
		{"discarded_on_client_error", collector.Result{Action: collector.Discard, Err: errHarvest}, false},
		{"cleared_on_restart", collector.Result{Action: collector.Restart}, false},
		{"cleared_on_disconnect", collector.Result{Action: collector.Disconnect, Err: errHarvest}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sender.EXPECT().Connected().Return(true)
			f.sender.EXPECT().Send(gomock.Any(), remote.MethodMetricData, gomock.Any(), gomock.Any(), gomock.Any()).Return(tc.result)
			f.sender.EXPECT().Send(gomock.Any(), remote.MethodErrorData, gomock.Any()).Return(tc.result)

			err := f.coord.Harvest(context.Background())
			require.Equal(t, tc.result.Err != nil, err != nil)

			if tc.kept {
				require.Equal(t, 2, f.metricsLen())
				require.Equal(t, 3, f.errs.Len())
				require.Equal(t, 3, f.errs.Seen())
			} else {
				require.Equal(t, 0, f.metricsLen())
				require.Equal(t, 0, f.errs.Len())
			}
		})
	}
}

func TestHarvestEndpointsIndependent(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Connected().Return(true)
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodMetricData, gomock.Any(), gomock.Any(), gomock.Any()).
		Return(collector.Result{Action: collector.Retain, Err: errHarvest})
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodErrorData, gomock.Any()).
		Return(collector.Result{Action: collector.Clear})

	err := f.coord.Harvest(context.Background())
	require.ErrorIs(t, err, errHarvest)
	require.Equal(t, 2, f.metricsLen())
	require.Equal(t, 0, f.errs.Len())
}

func TestHarvestPayload(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Connected().Return(true)
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodMetricData, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, args ...any) collector.Result {
			require.Len(t, args, 3)
			start, end := args[0].(int64), args[1].(int64)
			require.LessOrEqual(t, start, end)
			wire := args[2].(metric.Wire)
			require.Len(t, wire, 2)
			require.Equal(t, "Datastore/all", wire[0].Key.Name)
			return collector.Result{Action: collector.Clear}
		})
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodErrorData, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, args ...any) collector.Result {
			require.Equal(t, []any{[]string{"first", "second", "third"}}, args)
			return collector.Result{Action: collector.Clear}
		})

	require.NoError(t, f.coord.Harvest(context.Background()))
}

func TestHarvestDisabledEndpoint(t *testing.T) {
	f := newFixture(t)
	f.store.Update(func(s config.Snapshot) config.Snapshot {
		s.CollectErrors = false
		return s
	})
	f.sender.EXPECT().Connected().Return(true)
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodMetricData, gomock.Any(), gomock.Any(), gomock.Any()).
		Return(collector.Result{Action: collector.Clear})

	require.NoError(t, f.coord.Harvest(context.Background()))
	require.Equal(t, 0, f.errs.Len())
}

func TestHarvestEmptyBuffers(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender(ctrl)
	coord := NewCoordinator(sender, config.NewStore(config.NewSnapshot()),
		[]Endpoint{NewMetricsAggregator(), NewEventBuffer[int](5), NewTraceBuffer(5)})

	sender.EXPECT().Connected().Return(true)
	require.NoError(t, coord.Harvest(context.Background()))
}

func TestCoordinatorPeriodic(t *testing.T) {
	f := newFixture(t)
	f.store.Update(func(s config.Snapshot) config.Snapshot {
		s.HarvestPeriod = time.Hour
		return s
	})

	done := make(chan struct{})
	f.sender.EXPECT().Done().Return((<-chan struct{})(done)).AnyTimes()
	f.sender.EXPECT().Connected().Return(true).AnyTimes()

	var lock sync.Mutex
	calls := map[string]int{}
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodMetricData, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, method string, _ ...any) collector.Result {
			lock.Lock()
			defer lock.Unlock()
			calls[method]++
			return collector.Result{Action: collector.Clear}
		}).AnyTimes()
	f.sender.EXPECT().Send(gomock.Any(), remote.MethodErrorData, gomock.Any()).
		Return(collector.Result{Action: collector.Clear}).AnyTimes()

	require.NoError(t, f.coord.Start())
	require.NoError(t, f.coord.Start())

	// Shorten the period: the ticker restarts with the new value.
	f.store.Update(func(s config.Snapshot) config.Snapshot {
		s.HarvestPeriod = 5 * time.Millisecond
		return s
	})
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return calls[remote.MethodMetricData] >= 1
	}, 5*time.Second, time.Millisecond)

	// Data recorded after the loop stops goes out with the final harvest.
	f.metrics.RecordValue("late", "", 1, 1)
	require.NoError(t, f.coord.Shutdown(context.Background()))
	require.Equal(t, 0, f.metricsLen())
	require.NoError(t, f.coord.Shutdown(context.Background()))
	require.ErrorIs(t, f.coord.Start(), ErrStopped)
}

func TestCoordinatorStopsOnDisconnect(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	f.sender.EXPECT().Done().Return((<-chan struct{})(done)).AnyTimes()

	require.NoError(t, f.coord.Start())
	close(done)

	finished := make(chan struct{})
	go func() {
		f.coord.wait.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	f.sender.EXPECT().Connected().Return(false)
	require.NoError(t, f.coord.Shutdown(context.Background()))
}

func TestCoordinatorAppliesApdexT(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Done().Return(make(<-chan struct{})).AnyTimes()
	f.sender.EXPECT().Connected().Return(false).AnyTimes()

	require.NoError(t, f.coord.Start())
	f.store.Update(func(s config.Snapshot) config.Snapshot {
		s.ApdexT = 250 * time.Millisecond
		return s
	})

	require.Eventually(t, func() bool {
		var got time.Duration
		f.metrics.Record(func(tbl *metric.Table) { got = tbl.ApdexT() })
		return got == 250*time.Millisecond
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.coord.Shutdown(context.Background()))
}
