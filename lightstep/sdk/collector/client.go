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

// Package collector drives the connection to the APM collector: the
// preconnect, connect and agent_settings handshake, the connect retry
// schedule and the response policy applied to every data endpoint.
package collector // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrDisconnected is returned once the collector has rejected
	// this agent.  The client does not reconnect after it.
	ErrDisconnected = errors.New("collector disconnected the agent")

	// ErrNotConnected is returned by Send without a run.
	ErrNotConnected = errors.New("collector is not connected")

	// ErrNoRunID is a connect response without agent_run_id.
	ErrNoRunID = errors.New("connect response has no agent_run_id")

	ErrShutdown = errors.New("collector client is shut down")
)

type Option func(*Config)

type Config struct {
	Logger       *zap.Logger
	Backoff      Policy
	AgentVersion string
	Labels       []attribute.KeyValue

	// Facts builds the connect payload.  Defaults to GatherFacts.
	Facts func(ctx context.Context, snap config.Snapshot) (Facts, error)

	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	MethodOptions []remote.Option
}

func NewDefaultConfig() Config {
	return Config{
		Logger:       zap.NewNop(),
		Backoff:      DefaultSchedule,
		AgentVersion: "unknown",
	}
}

func NewConfig(opts ...Option) Config {
	cfg := NewDefaultConfig()
	for _, option := range opts {
		option(&cfg)
	}
	if cfg.Facts == nil {
		version, labels := cfg.AgentVersion, cfg.Labels
		cfg.Facts = func(ctx context.Context, snap config.Snapshot) (Facts, error) {
			return GatherFacts(ctx, snap.AppName, version, labels)
		}
	}
	return cfg
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
			cfg.MethodOptions = append(cfg.MethodOptions, remote.WithLogger(logger))
		}
	}
}

// WithBackoff replaces the connect retry schedule.
func WithBackoff(p Policy) Option {
	return func(cfg *Config) {
		if p != nil {
			cfg.Backoff = p
		}
	}
}

func WithAgentVersion(version string) Option {
	return func(cfg *Config) {
		cfg.AgentVersion = version
	}
}

// WithLabels adds identity labels to the connect facts.
func WithLabels(labels ...attribute.KeyValue) Option {
	return func(cfg *Config) {
		cfg.Labels = append(cfg.Labels, labels...)
	}
}

func WithFacts(f func(ctx context.Context, snap config.Snapshot) (Facts, error)) Option {
	return func(cfg *Config) {
		cfg.Facts = f
	}
}

func WithStateListener(f func(State)) Option {
	return func(cfg *Config) {
		cfg.OnStateChange = f
	}
}

// WithMethodOptions configures every remote.Method of the client.
func WithMethodOptions(opts ...remote.Option) Option {
	return func(cfg *Config) {
		cfg.MethodOptions = append(cfg.MethodOptions, opts...)
	}
}

// WithHTTPClient is shorthand for WithMethodOptions(remote.WithHTTPClient(c)).
func WithHTTPClient(c *http.Client) Option {
	return WithMethodOptions(remote.WithHTTPClient(c))
}

// Client owns the connection state.  All methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	store   *config.Store
	logger  *zap.Logger
	methods map[string]*remote.Method

	// lifetime is cancelled by Shutdown and stops every connect loop.
	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	// connectLock serializes connect loops.
	connectLock sync.Mutex

	lock     sync.Mutex
	state    State
	fatal    error
	shutdown bool
	done     chan struct{}
	doneOnce sync.Once
}

func New(store *config.Store, opts ...Option) *Client {
	cfg := NewConfig(opts...)
	c := &Client{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger,
		methods: map[string]*remote.Method{},
		done:    make(chan struct{}),
	}
	c.lifetime, c.stop = context.WithCancel(context.Background())

	for _, name := range []string{
		remote.MethodPreconnect,
		remote.MethodConnect,
		remote.MethodAgentSettings,
		remote.MethodMetricData,
		remote.MethodErrorData,
		remote.MethodTransactionSampleData,
		remote.MethodAnalyticEventData,
		remote.MethodCustomEventData,
		remote.MethodSpanEventData,
		remote.MethodShutdown,
	} {
		c.methods[name] = remote.New(name, store, cfg.MethodOptions...)
	}
	return c
}

func (c *Client) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.fatal
}

// Done is closed when the client stops for good, after a disconnect
// or Shutdown.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Start runs Connect in the background until it succeeds, the client
// is disconnected, or Shutdown is called.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Connect(c.lifetime); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("collector connect stopped", zap.Error(err))
		}
	}()
}

// Connect runs the handshake, retrying on the backoff schedule until
// it succeeds, ctx is done or the collector disconnects the agent.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(c.lifetime, cancel)
	defer release()

	c.connectLock.Lock()
	defer c.connectLock.Unlock()

	if proceed, err := c.beginConnect(); !proceed {
		return err
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := c.cfg.Backoff.GetBackoffDuration(attempt)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.abortConnect()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.connectOnce(ctx)
		if err == nil {
			return c.finishConnect()
		}
		if errors.Is(err, ErrDisconnected) {
			c.fail(err)
			return err
		}
		if ctx.Err() != nil {
			c.abortConnect()
			return ctx.Err()
		}
		c.logger.Warn("collector connect failed",
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", c.cfg.Backoff.GetBackoffDuration(attempt+1)),
			zap.Error(err),
		)
	}
}

// beginConnect reports whether a handshake should run.
func (c *Client) beginConnect() (bool, error) {
	c.lock.Lock()
	switch {
	case c.shutdown:
		c.lock.Unlock()
		return false, ErrShutdown
	case c.fatal != nil:
		err := c.fatal
		c.lock.Unlock()
		return false, err
	case c.state == Connected:
		c.lock.Unlock()
		return false, nil
	case c.state == Restarting:
		c.lock.Unlock()
		return true, nil
	}
	c.state = Connecting
	c.lock.Unlock()
	c.notify(Connecting)
	return true, nil
}

func (c *Client) finishConnect() error {
	c.lock.Lock()
	if c.shutdown {
		c.lock.Unlock()
		return ErrShutdown
	}
	c.state = Connected
	c.lock.Unlock()
	c.notify(Connected)
	return nil
}

func (c *Client) abortConnect() {
	c.lock.Lock()
	if c.state != Connecting && c.state != Restarting {
		c.lock.Unlock()
		return
	}
	c.state = Disconnected
	c.lock.Unlock()
	c.notify(Disconnected)
}

type preconnectReply struct {
	RedirectHost string `json:"redirect_host"`
}

// serverSettings is the connect return value.  Absent fields keep
// the local configuration.
type serverSettings struct {
	RunID                  string            `json:"agent_run_id"`
	DataReportPeriod       *float64          `json:"data_report_period"`
	ApdexT                 *float64          `json:"apdex_t"`
	CollectTraces          *bool             `json:"collect_traces"`
	CollectErrors          *bool             `json:"collect_errors"`
	CollectAnalyticsEvents *bool             `json:"collect_analytics_events"`
	CollectCustomEvents    *bool             `json:"collect_custom_events"`
	CollectSpanEvents      *bool             `json:"collect_span_events"`
	MaxPayloadSize         *int              `json:"max_payload_size_in_bytes"`
	RequestHeaders         map[string]string `json:"request_headers_map"`
}

func (c *Client) connectOnce(ctx context.Context) error {
	resp, err := c.invoke(ctx, remote.MethodPreconnect, []any{map[string]any{"high_security": false}})
	if err != nil {
		return err
	}
	var pre preconnectReply
	if err := resp.Decode(&pre); err != nil {
		return fmt.Errorf("preconnect: %w", err)
	}
	if pre.RedirectHost != "" {
		c.store.Update(func(s config.Snapshot) config.Snapshot {
			s.Host, s.Port = splitRedirect(pre.RedirectHost, s.Port)
			return s
		})
		c.logger.Debug("collector redirect", zap.String("address", c.store.Load().Address()))
	}

	facts, err := c.cfg.Facts(ctx, c.store.Load())
	if err != nil {
		c.logger.Debug("incomplete environment facts", zap.Error(err))
	}
	resp, err = c.invoke(ctx, remote.MethodConnect, []any{facts})
	if err != nil {
		return err
	}
	var settings serverSettings
	if err := resp.Decode(&settings); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if settings.RunID == "" {
		return ErrNoRunID
	}

	snap := c.store.Update(func(s config.Snapshot) config.Snapshot {
		return settings.apply(s)
	})
	c.logger.Info("connected to collector",
		zap.String("address", snap.Address()),
		zap.String("run_id", snap.RunID),
		zap.Duration("harvest_period", snap.HarvestPeriod),
	)

	if _, err := c.invoke(ctx, remote.MethodAgentSettings, []any{settingsReport(snap)}); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return err
		}
		c.logger.Warn("agent_settings failed", zap.Error(err))
	}
	return nil
}

// invoke calls a handshake method.  A disconnect response is wrapped
// in ErrDisconnected.
func (c *Client) invoke(ctx context.Context, method string, payload any) (*remote.Response, error) {
	resp, err := c.methods[method].Invoke(ctx, payload, nil)
	if err == nil {
		return resp, nil
	}
	if ClassifyError(err) == Disconnect {
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil, err
}

func (s serverSettings) apply(snap config.Snapshot) config.Snapshot {
	snap.RunID = s.RunID
	if s.DataReportPeriod != nil && *s.DataReportPeriod > 0 {
		snap.HarvestPeriod = time.Duration(*s.DataReportPeriod * float64(time.Second))
	}
	if s.ApdexT != nil && *s.ApdexT > 0 {
		snap.ApdexT = time.Duration(*s.ApdexT * float64(time.Second))
	}
	if s.CollectTraces != nil {
		snap.CollectTraces = *s.CollectTraces
	}
	if s.CollectErrors != nil {
		snap.CollectErrors = *s.CollectErrors
	}
	if s.CollectAnalyticsEvents != nil {
		snap.CollectEvents = *s.CollectAnalyticsEvents
	}
	if s.CollectCustomEvents != nil {
		snap.CollectCustomEvents = *s.CollectCustomEvents
	}
	if s.CollectSpanEvents != nil {
		snap.CollectSpanEvents = *s.CollectSpanEvents
	}
	if s.MaxPayloadSize != nil && *s.MaxPayloadSize > 0 {
		snap.MaxPayloadSize = *s.MaxPayloadSize
	}
	snap.RequestHeaders = s.RequestHeaders
	return snap
}

func settingsReport(s config.Snapshot) map[string]any {
	return map[string]any{
		"app_name":                  s.AppName,
		"host":                      s.Host,
		"port":                      s.Port,
		"ssl":                       !s.Insecure,
		"apdex_t":                   s.ApdexT.Seconds(),
		"data_report_period":        s.HarvestPeriod.Seconds(),
		"compression":               s.Compression,
		"compression_threshold":     s.CompressionThreshold,
		"max_payload_size_in_bytes": s.MaxPayloadSize,
	}
}

// splitRedirect accepts "host" or "host:port".
func splitRedirect(redirect string, port int) (string, int) {
	host, p, err := net.SplitHostPort(redirect)
	if err != nil {
		return redirect, port
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 {
		return host, port
	}
	return host, n
}

// Send delivers one payload, prefixed with the run id, to method and
// applies the response policy.
func (c *Client) Send(ctx context.Context, method string, args ...any) Result {
	res := Result{Method: method}

	m, ok := c.methods[method]
	if !ok {
		res.Action = Discard
		res.Err = fmt.Errorf("unknown collector method %q", method)
		return res
	}

	snap := c.store.Load()
	if !c.Connected() || snap.RunID == "" {
		res.Action = Retain
		res.Err = ErrNotConnected
		return res
	}

	payload := make([]any, 0, len(args)+1)
	payload = append(payload, snap.RunID)
	payload = append(payload, args...)

	resp, err := m.Invoke(ctx, payload, nil)
	res.Response = resp
	res.Action = ClassifyError(err)

	switch res.Action {
	case Clear:
		if err != nil {
			c.logger.Warn("unexpected collector response, treating as delivered",
				zap.String("method", method),
				zap.Error(err),
			)
		}
	case Restart:
		c.logger.Info("collector requested restart", zap.String("method", method), zap.Error(err))
		c.restart(snap.RunID)
	case Disconnect:
		res.Err = fmt.Errorf("%w: %w", ErrDisconnected, err)
		c.fail(res.Err)
	default:
		res.Err = err
	}
	return res
}

// restart re-runs the handshake in the background.  Concurrent
// restart requests for the same run collapse into one.
func (c *Client) restart(runID string) {
	c.lock.Lock()
	if c.state != Connected || c.shutdown || c.store.Load().RunID != runID {
		c.lock.Unlock()
		return
	}
	c.state = Restarting
	c.wg.Add(1)
	c.lock.Unlock()
	c.notify(Restarting)

	c.store.Update(func(s config.Snapshot) config.Snapshot {
		s.RunID = ""
		s.RequestHeaders = nil
		return s
	})

	go func() {
		defer c.wg.Done()
		if err := c.Connect(c.lifetime); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("collector reconnect stopped", zap.Error(err))
		}
	}()
}

// fail stops the client permanently.
func (c *Client) fail(err error) {
	c.lock.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.state = Disconnected
	c.lock.Unlock()

	c.logger.Error("collector disconnected the agent, data collection stops", zap.Error(err))
	c.store.Update(func(s config.Snapshot) config.Snapshot {
		s.RunID = ""
		return s
	})
	c.stop()
	c.notify(Disconnected)
	c.doneOnce.Do(func() { close(c.done) })
}

// Shutdown ends the run.  The collector is told when a run is active.
// Shutdown waits for background connect loops until ctx is done.
func (c *Client) Shutdown(ctx context.Context) error {
	c.lock.Lock()
	if c.shutdown {
		c.lock.Unlock()
		return nil
	}
	c.shutdown = true
	prev := c.state
	if prev == Connected {
		c.state = Disconnecting
	}
	c.lock.Unlock()

	c.stop()

	var err error
	if prev == Connected {
		c.notify(Disconnecting)
		snap := c.store.Load()
		if _, serr := c.methods[remote.MethodShutdown].Invoke(ctx, []any{snap.RunID}, nil); serr != nil {
			err = multierr.Append(err, serr)
		}
	}
	c.store.Update(func(s config.Snapshot) config.Snapshot {
		s.RunID = ""
		s.RequestHeaders = nil
		return s
	})

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	c.setState(Disconnected)
	c.doneOnce.Do(func() { close(c.done) })
	return err
}

func (c *Client) setState(s State) {
	c.lock.Lock()
	c.state = s
	c.lock.Unlock()
	c.notify(s)
}

func (c *Client) notify(s State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
