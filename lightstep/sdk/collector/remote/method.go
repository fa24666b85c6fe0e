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

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricapi "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	traceapi "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ProtocolVersion is sent with every call.
const ProtocolVersion = 17

const (
	invokePath = "/agent_listener/invoke_raw_method"

	instrumentationName = "github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
)

type Option func(*Config)

type Config struct {
	HTTPClient     *http.Client
	Logger         *zap.Logger
	TracerProvider traceapi.TracerProvider
	MeterProvider  metricapi.MeterProvider
	UserAgent      string
}

func NewDefaultConfig() Config {
	return Config{
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Logger:         zap.NewNop(),
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		UserAgent:      UserAgent("harvest-launcher-go", "unknown"),
	}
}

func NewConfig(opts ...Option) Config {
	cfg := NewDefaultConfig()
	for _, option := range opts {
		if option != nil {
			option(&cfg)
		}
	}
	return cfg
}

func WithHTTPClient(client *http.Client) Option {
	return func(cfg *Config) {
		if client != nil {
			cfg.HTTPClient = client
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithTracerProvider enables a span per collector call.
func WithTracerProvider(tp traceapi.TracerProvider) Option {
	return func(cfg *Config) {
		if tp != nil {
			cfg.TracerProvider = tp
		}
	}
}

// WithMeterProvider enables request and byte counters.
func WithMeterProvider(mp metricapi.MeterProvider) Option {
	return func(cfg *Config) {
		if mp != nil {
			cfg.MeterProvider = mp
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(cfg *Config) {
		cfg.UserAgent = ua
	}
}

// UserAgent formats "<client>/<version> (<runtime> <os>-<arch>)".
func UserAgent(client, version string) string {
	return fmt.Sprintf("%s/%s (%s %s-%s)", client, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Method is one named collector RPC.  It performs exactly one HTTP
// request per Invoke and never retries.
type Method struct {
	name  string
	store *config.Store
	cfg   Config

	// self-observability
	tracer   traceapi.Tracer
	requests metricapi.Int64Counter
	bytes    metricapi.Int64Counter
}

func New(name string, store *config.Store, opts ...Option) *Method {
	m := &Method{
		name:  name,
		store: store,
		cfg:   NewConfig(opts...),
	}

	m.tracer = m.cfg.TracerProvider.Tracer(instrumentationName)
	meter := m.cfg.MeterProvider.Meter(instrumentationName)

	var err error
	if m.requests, err = meter.Int64Counter(
		"collector.requests",
		metricapi.WithDescription("Collector calls by method and outcome"),
	); err != nil {
		m.cfg.Logger.Debug("collector.requests counter unavailable", zap.Error(err))
		m.requests = metricnoop.Int64Counter{}
	}
	if m.bytes, err = meter.Int64Counter(
		"collector.sent_bytes",
		metricapi.WithDescription("Request body bytes sent to the collector"),
		metricapi.WithUnit("By"),
	); err != nil {
		m.cfg.Logger.Debug("collector.sent_bytes counter unavailable", zap.Error(err))
		m.bytes = metricnoop.Int64Counter{}
	}
	return m
}

func (m *Method) Name() string {
	return m.name
}

func (m *Method) String() string {
	return "collector/" + m.name
}

// URL returns the invoke_raw_method address for snap.  run_id is
// present only once a run has been established.
func (m *Method) URL(snap config.Snapshot) string {
	var b strings.Builder
	b.WriteString(snap.BaseURL())
	b.WriteString(invokePath)
	b.WriteString("?marshal_format=json&protocol_version=")
	b.WriteString(strconv.Itoa(ProtocolVersion))
	b.WriteString("&license_key=")
	b.WriteString(url.QueryEscape(string(snap.LicenseKey)))
	b.WriteString("&method=")
	b.WriteString(url.QueryEscape(m.name))
	if snap.RunID != "" {
		b.WriteString("&run_id=")
		b.WriteString(url.QueryEscape(snap.RunID))
	}
	return b.String()
}

// Invoke serializes payload, compresses it above the configured
// threshold and posts it once.  Errors are one of *LocalError,
// *TransportError, *StatusError or *RemoteException.  A
// RemoteException is returned together with the Response.
func (m *Method) Invoke(ctx context.Context, payload any, headers map[string]string) (*Response, error) {
	ctx, span := m.tracer.Start(ctx, m.String(), traceapi.WithSpanKind(traceapi.SpanKindClient))
	defer span.End()

	resp, err := m.invoke(ctx, m.store.Load(), payload, headers)

	outcome := "success"
	var status *StatusError
	var remoteErr *RemoteException
	switch {
	case err == nil:
	case errors.As(err, &status):
		outcome = strconv.Itoa(status.StatusCode)
	case errors.As(err, &remoteErr):
		outcome = "exception"
	default:
		var local *LocalError
		if errors.As(err, &local) {
			outcome = "local"
		} else {
			outcome = "transport"
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	m.requests.Add(ctx, 1, metricapi.WithAttributes(
		attribute.String("method", m.name),
		attribute.String("outcome", outcome),
	))
	return resp, err
}

func (m *Method) invoke(ctx context.Context, snap config.Snapshot, payload any, headers map[string]string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &LocalError{Method: m.name, Op: "serialize", Err: err}
	}

	encoding := Identity
	if len(body) > snap.CompressionThreshold {
		if encoding, err = ParseEncoding(snap.Compression); err != nil {
			return nil, &LocalError{Method: m.name, Op: "compress", Err: err}
		}
		if body, err = encoding.Compress(body); err != nil {
			return nil, &LocalError{Method: m.name, Op: "compress", Err: err}
		}
	}
	if snap.MaxPayloadSize > 0 && len(body) > snap.MaxPayloadSize {
		return nil, &LocalError{
			Method: m.name,
			Op:     "size",
			Err:    fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(body), snap.MaxPayloadSize),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL(snap), bytes.NewReader(body))
	if err != nil {
		return nil, &LocalError{Method: m.name, Op: "request", Err: err}
	}
	for k, v := range snap.RequestHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if encoding == Identity {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	req.Header.Set("Content-Encoding", string(encoding))
	req.Header.Set("Connection", "Keep-Alive")
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	m.bytes.Add(ctx, int64(len(body)), metricapi.WithAttributes(attribute.String("method", m.name)))
	m.cfg.Logger.Debug("invoking collector method",
		zap.String("method", m.name),
		zap.Int("bytes", len(body)),
		zap.String("encoding", string(encoding)),
	)

	httpResp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: m.name, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Method: m.name, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &StatusError{Method: m.name, StatusCode: httpResp.StatusCode}
	}

	resp := &Response{StatusCode: httpResp.StatusCode}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, &resp.Envelope); err != nil {
		// The collector accepted the data; an unreadable body does
		// not make the delivery fail.
		m.cfg.Logger.Warn("could not decode collector response",
			zap.String("method", m.name),
			zap.Error(err),
		)
		return resp, nil
	}
	resp.ReturnValue = resp.Envelope.ReturnValue

	for _, msg := range resp.Envelope.Messages {
		m.cfg.Logger.Info("collector message", zap.String("method", m.name), zap.String("message", msg.Message))
	}

	if ex := resp.Envelope.Exception; ex != nil {
		return resp, &RemoteException{
			Method:     m.name,
			StatusCode: httpResp.StatusCode,
			Message:    ex.Message,
			ErrorType:  ex.ErrorType,
		}
	}
	return resp, nil
}
