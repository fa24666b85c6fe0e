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

// Package harvest periodically detaches buffered telemetry and
// delivers it to the collector, one independent request per endpoint.
package harvest // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/harvest"

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/internal/doevery"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=coordinator.go -destination=mock_sender_test.go -package=harvest Sender

// Sender delivers one payload.  *collector.Client implements it.
type Sender interface {
	Connected() bool
	Send(ctx context.Context, method string, args ...any) collector.Result
	Done() <-chan struct{}
}

var _ Sender = (*collector.Client)(nil)

var ErrStopped = errors.New("harvest coordinator is stopped")

type Option func(*Config)

type Config struct {
	Logger *zap.Logger

	// Timeout bounds one harvest cycle.
	Timeout time.Duration

	// ErrorLogInterval limits repeated failure logs per endpoint.
	ErrorLogInterval time.Duration

	// MaxConcurrency bounds parallel endpoint requests.
	MaxConcurrency int
}

func NewDefaultConfig() Config {
	return Config{
		Logger:           zap.NewNop(),
		Timeout:          30 * time.Second,
		ErrorLogInterval: time.Minute,
		MaxConcurrency:   4,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		if d > 0 {
			cfg.Timeout = d
		}
	}
}

func WithErrorLogInterval(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ErrorLogInterval = d
	}
}

func WithMaxConcurrency(n int) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.MaxConcurrency = n
		}
	}
}

// Coordinator runs the harvest cycle on the configured period.
type Coordinator struct {
	cfg       Config
	logger    *zap.Logger
	sender    Sender
	store     *config.Store
	endpoints []Endpoint
	limiter   *doevery.Limiter

	// harvestLock serializes cycles.
	harvestLock sync.Mutex

	lock    sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wait    sync.WaitGroup
}

func NewCoordinator(sender Sender, store *config.Store, endpoints []Endpoint, opts ...Option) *Coordinator {
	cfg := NewDefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    cfg.Logger,
		sender:    sender,
		store:     store,
		endpoints: endpoints,
		limiter:   doevery.New(),
		stop:      make(chan struct{}),
	}
}

// Start launches the periodic loop.
func (c *Coordinator) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true

	updates, cancel := c.store.Subscribe()
	c.configure(c.store.Load())

	c.wait.Add(1)
	go func() {
		defer c.wait.Done()
		defer cancel()
		c.run(updates)
	}()
	return nil
}

func (c *Coordinator) run(updates <-chan config.Snapshot) {
	period := c.store.Load().HarvestPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.sender.Done():
			c.logger.Info("collector connection ended, harvest stops")
			return
		case snap := <-updates:
			c.configure(snap)
			if snap.HarvestPeriod > 0 && snap.HarvestPeriod != period {
				period = snap.HarvestPeriod
				ticker.Reset(period)
				c.logger.Info("harvest period changed", zap.Duration("period", period))
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			err := c.Harvest(ctx)
			cancel()
			if err != nil {
				c.logger.Debug("harvest completed with errors", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) configure(snap config.Snapshot) {
	for _, ep := range c.endpoints {
		if cf, ok := ep.(configurable); ok {
			cf.Configure(snap)
		}
	}
}

// Harvest runs one cycle.  Without a connection nothing is detached
// and the buffers keep accumulating.  Endpoints are delivered
// independently; the returned error combines their failures.
func (c *Coordinator) Harvest(ctx context.Context) error {
	c.harvestLock.Lock()
	defer c.harvestLock.Unlock()

	if !c.sender.Connected() {
		c.logger.Debug("not connected, skipping harvest")
		return nil
	}
	snap := c.store.Load()

	errs := make([]error, len(c.endpoints))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)

	for i, ep := range c.endpoints {
		batch, ok := ep.Detach()
		if !ok {
			continue
		}
		if !ep.Enabled(snap) {
			c.logger.Debug("endpoint disabled by collector, dropping data",
				zap.String("method", ep.Method()),
				zap.Int("records", batch.Len()),
			)
			continue
		}
		g.Go(func() error {
			errs[i] = c.deliver(ctx, ep, batch)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

func (c *Coordinator) deliver(ctx context.Context, ep Endpoint, batch Batch) error {
	method := ep.Method()
	res := c.sender.Send(ctx, method, batch.Args()...)

	switch res.Action {
	case collector.Retain:
		batch.Restore()
	case collector.Clear:
		c.logger.Debug("harvest delivered", zap.String("method", method), zap.Int("records", batch.Len()))
	}

	if res.Err == nil {
		return nil
	}
	c.limiter.Do(method, c.cfg.ErrorLogInterval, func() {
		c.logger.Warn("harvest failed",
			zap.String("method", method),
			zap.Stringer("action", res.Action),
			zap.Int("records", batch.Len()),
			zap.Error(res.Err),
		)
	})
	return res.Err
}

// Shutdown stops the loop and runs a final harvest.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.lock.Unlock()

	c.wait.Wait()
	return c.Harvest(ctx)
}
