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
	"fmt"
	"net/http"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"go.opentelemetry.io/collector/config/configcompression"
	"go.opentelemetry.io/collector/config/configopaque"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PipelineConfig struct {
	AppName    string
	LicenseKey string
	Host       string
	Port       int
	Insecure   bool
	Resource   *resource.Resource

	// ReportingPeriod is the harvest period until the collector
	// sends data_report_period, e.g. "60s".
	ReportingPeriod string

	ApdexT               time.Duration
	CompressionThreshold int
	Compression          configcompression.Type
	Timeout              time.Duration

	MaxTraces int
	MaxErrors int
	MaxEvents int

	// SamplingEnabled turns on trace sampling.  SamplingPercent, in
	// the range 0-100, is the share of finished traces that compete
	// for a trace slot.
	SamplingEnabled bool
	SamplingPercent int

	// RuntimeMetricsPeriod is the process sampling interval.  Zero
	// uses the sampler default; negative disables runtime metrics.
	RuntimeMetricsPeriod time.Duration

	AgentVersion string
	Logger       *zap.Logger

	// HTTPClient overrides the collector transport.
	HTTPClient *http.Client

	// Self-observability of collector calls.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type PipelineSetupFunc func(PipelineConfig) (*Pipeline, func() error, error)

// snapshot is the initial runtime configuration.
func (c PipelineConfig) snapshot() (config.Snapshot, error) {
	s := config.NewSnapshot()
	s.AppName = c.AppName
	s.LicenseKey = configopaque.String(c.LicenseKey)
	s.Host = c.Host
	s.Insecure = c.Insecure
	if c.Port > 0 {
		s.Port = c.Port
	}
	if c.ReportingPeriod != "" {
		period, err := time.ParseDuration(c.ReportingPeriod)
		if err != nil {
			return s, err
		}
		if period <= 0 {
			return s, fmt.Errorf("non-positive period %v", period)
		}
		s.HarvestPeriod = period
	}
	if c.ApdexT > 0 {
		s.ApdexT = c.ApdexT
	}
	if c.CompressionThreshold > 0 {
		s.CompressionThreshold = c.CompressionThreshold
	}
	if c.Compression != "" {
		s.Compression = c.Compression
	}
	return s, nil
}
