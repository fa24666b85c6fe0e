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

package pipelines

import (
	"context"
	"fmt"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/instrumentation/hostprocess"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/harvest"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/metric"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultMaxTraces = 20
	DefaultMaxErrors = 100
	DefaultMaxEvents = 10000
)

// Pipeline holds the live buffers fed by instrumentation.
type Pipeline struct {
	Store       *config.Store
	Client      *collector.Client
	Coordinator *harvest.Coordinator

	Metrics      *harvest.MetricsAggregator
	Traces       *harvest.TraceBuffer
	Errors       *harvest.SampleBuffer[harvest.ErrorRecord]
	Events       *harvest.SampleBuffer[harvest.Event]
	CustomEvents *harvest.SampleBuffer[harvest.Event]
	SpanEvents   *harvest.SampleBuffer[harvest.Event]

	// Runtime is nil when runtime metrics are disabled.
	Runtime *hostprocess.Sampler
}

// NewHarvestPipeline builds the collector client and the harvest
// coordinator, starts connecting and returns a shutdown function that
// runs a final harvest before ending the run.
func NewHarvestPipeline(c PipelineConfig) (*Pipeline, func() error, error) {
	snap, err := c.snapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid reporting period: %w", err)
	}
	if _, err := remote.ParseEncoding(snap.Compression); err != nil {
		return nil, nil, err
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	methodOpts := []remote.Option{
		remote.WithUserAgent(remote.UserAgent("harvest-launcher-go", c.AgentVersion)),
		remote.WithTracerProvider(c.TracerProvider),
		remote.WithMeterProvider(c.MeterProvider),
	}
	if c.HTTPClient != nil {
		methodOpts = append(methodOpts, remote.WithHTTPClient(c.HTTPClient))
	}

	store := config.NewStore(snap)
	client := collector.New(store,
		collector.WithLogger(logger.Named("collector")),
		collector.WithAgentVersion(c.AgentVersion),
		collector.WithLabels(resourceLabels(c)...),
		collector.WithMethodOptions(methodOpts...),
	)

	p := &Pipeline{
		Store:        store,
		Client:       client,
		Metrics:      harvest.NewMetricsAggregator(metric.WithApdexT(snap.ApdexT)),
		Traces:       harvest.NewTraceBuffer(orDefault(c.MaxTraces, DefaultMaxTraces), harvest.WithTraceSampler(newTraceSampler(c))),
		Errors:       harvest.NewErrorBuffer[harvest.ErrorRecord](orDefault(c.MaxErrors, DefaultMaxErrors)),
		Events:       harvest.NewEventBuffer[harvest.Event](orDefault(c.MaxEvents, DefaultMaxEvents)),
		CustomEvents: harvest.NewCustomEventBuffer[harvest.Event](orDefault(c.MaxEvents, DefaultMaxEvents)),
		SpanEvents:   harvest.NewSpanEventBuffer[harvest.Event](orDefault(c.MaxEvents, DefaultMaxEvents)),
	}
	p.Coordinator = harvest.NewCoordinator(client, store,
		[]harvest.Endpoint{p.Metrics, p.Traces, p.Errors, p.Events, p.CustomEvents, p.SpanEvents},
		harvest.WithLogger(logger.Named("harvest")),
		harvest.WithTimeout(c.Timeout),
	)

	if c.RuntimeMetricsPeriod >= 0 {
		sampler, err := hostprocess.New(p.Metrics,
			hostprocess.WithPeriod(c.RuntimeMetricsPeriod),
			hostprocess.WithLogger(logger.Named("runtime")),
		)
		if err != nil {
			logger.Warn("runtime metrics disabled", zap.Error(err))
		} else {
			p.Runtime = sampler
		}
	}

	client.Start()
	if err := p.Coordinator.Start(); err != nil {
		_ = client.Shutdown(context.Background())
		return nil, nil, err
	}
	if p.Runtime != nil {
		p.Runtime.Start()
	}

	return p, func() error {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if p.Runtime != nil {
			p.Runtime.Stop()
		}

		var err error
		err = multierr.Append(err, p.Coordinator.Shutdown(ctx))
		err = multierr.Append(err, client.Shutdown(ctx))
		return err
	}, nil
}

func resourceLabels(c PipelineConfig) []attribute.KeyValue {
	if c.Resource == nil {
		return nil
	}
	return c.Resource.Attributes()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
