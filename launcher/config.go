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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/pipelines"
	"github.com/sethvargo/go-envconfig"
	"go.opentelemetry.io/collector/config/configcompression"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Option func(*Config)

// WithLicenseKey configures the collector license key.
func WithLicenseKey(key string) Option {
	return func(c *Config) {
		c.LicenseKey = key
	}
}

// WithAppName configures the application name reported at connect
// and the "service.name" resource label.
func WithAppName(name string) Option {
	return func(c *Config) {
		c.AppName = name
	}
}

// WithServiceVersion configures a "service.version" resource label
func WithServiceVersion(version string) Option {
	return func(c *Config) {
		c.ServiceVersion = version
	}
}

// WithCollectorHost configures the initial collector host.  The
// collector may redirect to another host during preconnect.
func WithCollectorHost(host string) Option {
	return func(c *Config) {
		c.Host = host
	}
}

func WithCollectorPort(port int) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithInsecure permits plain HTTP to the collector
func WithInsecure(insecure bool) Option {
	return func(c *Config) {
		c.SSL = !insecure
	}
}

// WithHarvestPeriod configures the harvest period used until the
// collector sends its own.
func WithHarvestPeriod(p time.Duration) Option {
	return func(c *Config) {
		c.HarvestPeriod = p
	}
}

func WithApdexT(t time.Duration) Option {
	return func(c *Config) {
		c.ApdexT = t
	}
}

// WithCompression selects deflate, zlib or gzip for bodies larger than
// the compression threshold.
func WithCompression(t configcompression.Type) Option {
	return func(c *Config) {
		c.Compression = t
	}
}

func WithCompressionThreshold(bytes int) Option {
	return func(c *Config) {
		c.CompressionThreshold = bytes
	}
}

// WithLimits configures the per-harvest buffer sizes.
func WithLimits(maxTraces, maxErrors, maxEvents int) Option {
	return func(c *Config) {
		c.MaxTraces = maxTraces
		c.MaxErrors = maxErrors
		c.MaxEvents = maxEvents
	}
}

// WithTraceSampling keeps percent (0-100) of finished traces as
// trace candidates.
func WithTraceSampling(percent int) Option {
	return func(c *Config) {
		c.TraceSamplingEnabled = true
		c.TraceSamplingPercent = percent
	}
}

// WithLogLevel configures the logging level of the agent
func WithLogLevel(loglevel string) Option {
	return func(c *Config) {
		c.LogLevel = loglevel
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithResourceAttributes configures attributes on the resource.  They
// are reported as labels at connect.
func WithResourceAttributes(attributes map[string]string) Option {
	return func(c *Config) {
		c.ResourceAttributes = attributes
	}
}

type Logger interface {
	Fatalf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithZapLogger sets the structured logger of the agent components.
func WithZapLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.zap = logger
	}
}

// DefaultLogger reports configuration problems through zap.  Fatalf
// exits the process.
type DefaultLogger struct {
	*zap.SugaredLogger
}

const (
	// Note: these values should match the defaults used in `env` tags for Config fields.

	DefaultCollectorHost = "collector.example.com"
	DefaultCollectorPort = 443
)

type Config struct {
	LicenseKey           string                 `env:"APM_LICENSE_KEY"`
	AppName              string                 `env:"APM_APP_NAME"`
	ServiceVersion       string                 `env:"APM_SERVICE_VERSION,default=unknown"`
	Host                 string                 `env:"APM_HOST,default=collector.example.com"`
	Port                 int                    `env:"APM_PORT,default=443"`
	SSL                  bool                   `env:"APM_SSL,default=true"`
	HarvestPeriod        time.Duration          `env:"APM_HARVEST_PERIOD,default=60s"`
	ApdexT               time.Duration          `env:"APM_APDEX_T,default=100ms"`
	CompressionThreshold int                    `env:"APM_COMPRESSION_THRESHOLD,default=65536"`
	Compression          configcompression.Type `env:"APM_COMPRESSION,default=deflate"`
	MaxTraces            int                    `env:"APM_MAX_TRACES,default=20"`
	MaxErrors            int                    `env:"APM_MAX_ERRORS,default=100"`
	MaxEvents            int                    `env:"APM_MAX_EVENTS,default=10000"`
	TraceSamplingEnabled bool                   `env:"APM_TRACE_SAMPLING_ENABLED,default=false"`
	TraceSamplingPercent int                    `env:"APM_TRACE_SAMPLING_PERCENT,default=100"`
	LogLevel             string                 `env:"APM_LOG_LEVEL,default=info"`
	Timeout              time.Duration          `env:"APM_TIMEOUT,default=30s"`
	ResourceAttributes   map[string]string      `env:"APM_RESOURCE_ATTRIBUTES"`
	Resource             *resource.Resource
	logger               Logger
	zap                  *zap.Logger
}

func validateConfiguration(c Config) error {
	if len(c.AppName) == 0 {
		appNameSet := false
		for _, kv := range c.Resource.Attributes() {
			if kv.Key == semconv.ServiceNameKey {
				if len(kv.Value.AsString()) > 0 {
					appNameSet = true
				}
				break
			}
		}
		if !appNameSet {
			return errors.New("invalid configuration: app name missing. Set APM_APP_NAME env var or configure WithAppName in code")
		}
	}

	if len(c.LicenseKey) == 0 {
		return errors.New("invalid configuration: license key missing. Set APM_LICENSE_KEY env var or configure WithLicenseKey in code")
	}

	if c.Host == "" || c.Port <= 0 {
		return fmt.Errorf("invalid configuration: collector address %q:%d", c.Host, c.Port)
	}

	if _, err := remote.ParseEncoding(c.Compression); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func newZapLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newConfig(opts ...Option) Config {
	var c Config
	envError := envconfig.Process(context.Background(), &c)

	for _, opt := range opts {
		opt(&c)
	}
	if c.zap == nil {
		c.zap = newZapLogger(c.LogLevel)
	}
	if c.logger == nil {
		c.logger = &DefaultLogger{SugaredLogger: c.zap.Sugar()}
	}
	c.Resource = newResource(&c)

	if envError != nil {
		c.logger.Fatalf("environment error: %v", envError)
	}

	return c
}

func newResource(c *Config) *resource.Resource {
	r := resource.Environment()

	hostnameSet := false
	for iter := r.Iter(); iter.Next(); {
		if iter.Attribute().Key == semconv.HostNameKey && len(iter.Attribute().Value.Emit()) > 0 {
			hostnameSet = true
		}
	}

	attributes := []attribute.KeyValue{
		semconv.TelemetrySDKNameKey.String("harvest-launcher"),
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetrySDKVersionKey.String(version),
	}

	if len(c.AppName) > 0 {
		attributes = append(attributes, semconv.ServiceNameKey.String(c.AppName))
	}

	if len(c.ServiceVersion) > 0 {
		attributes = append(attributes, semconv.ServiceVersionKey.String(c.ServiceVersion))
	}

	for key, value := range c.ResourceAttributes {
		if len(value) > 0 {
			if key == string(semconv.HostNameKey) {
				hostnameSet = true
			}
			attributes = append(attributes, attribute.String(key, value))
		}
	}

	if !hostnameSet {
		hostname, err := os.Hostname()
		if err != nil {
			c.logger.Debugf("unable to set host.name. Set APM_RESOURCE_ATTRIBUTES=\"host.name=<your_host_name>\" env var or configure WithResourceAttributes in code: %v", err)
		} else {
			attributes = append(attributes, semconv.HostNameKey.String(hostname))
		}
	}

	attributes = append(r.Attributes(), attributes...)

	// These detectors can't actually fail, ignoring the error.
	r, _ = resource.New(
		context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attributes...),
	)
	return r
}

// appName prefers the configured name, then service.name from the
// resource.
func appName(c Config) string {
	if c.AppName != "" {
		return c.AppName
	}
	if v, ok := c.Resource.Set().Value(semconv.ServiceNameKey); ok {
		return v.AsString()
	}
	return ""
}

func setupHarvest(c Config) (*pipelines.Pipeline, func() error, error) {
	return pipelines.NewHarvestPipeline(pipelines.PipelineConfig{
		AppName:              appName(c),
		LicenseKey:           c.LicenseKey,
		Host:                 c.Host,
		Port:                 c.Port,
		Insecure:             !c.SSL,
		Resource:             c.Resource,
		ReportingPeriod:      c.HarvestPeriod.String(),
		ApdexT:               c.ApdexT,
		CompressionThreshold: c.CompressionThreshold,
		Compression:          c.Compression,
		Timeout:              c.Timeout,
		MaxTraces:            c.MaxTraces,
		MaxErrors:            c.MaxErrors,
		MaxEvents:            c.MaxEvents,
		SamplingEnabled:      c.TraceSamplingEnabled,
		SamplingPercent:      c.TraceSamplingPercent,
		AgentVersion:         version,
		Logger:               c.zap,
	})
}

func logConfiguration(c Config) {
	c.logger.Debugf("debug logging enabled")
	c.logger.Debugf("configuration")
	redacted := c
	if redacted.LicenseKey != "" {
		redacted.LicenseKey = "<redacted>"
	}
	s, _ := json.MarshalIndent(redacted, "", "\t")
	c.logger.Debugf(string(s))
}
