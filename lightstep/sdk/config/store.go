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

// Package config holds the runtime view of the agent configuration
// shared by the collector client and the harvest coordinator.
//
// A Snapshot is never mutated after it is published.  Writers build a
// new Snapshot with Store.Update and every subscriber receives it.
package config // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/collector/config/configcompression"
	"go.opentelemetry.io/collector/config/configopaque"
)

const (
	DefaultPort                 = 443
	DefaultHarvestPeriod        = 60 * time.Second
	DefaultApdexT               = 100 * time.Millisecond
	DefaultCompressionThreshold = 64 * 1024
	DefaultMaxPayloadSize       = 1000000
	DefaultCompression          = configcompression.TypeDeflate
)

// Snapshot is an immutable view of the configuration.  Map fields
// must be treated as read-only by every reader.
type Snapshot struct {
	AppName string
	// LicenseKey prints as [REDACTED] through fmt and encoders.
	LicenseKey configopaque.String
	Host       string
	Port       int
	Insecure   bool

	// RunID is empty until the connect handshake completes.
	RunID string

	ApdexT        time.Duration
	HarvestPeriod time.Duration

	CompressionThreshold int
	Compression          configcompression.Type
	MaxPayloadSize       int

	CollectTraces       bool
	CollectErrors       bool
	CollectEvents       bool
	CollectCustomEvents bool
	CollectSpanEvents   bool

	// RequestHeaders are sent on every post-connect request.
	RequestHeaders map[string]string
}

// NewSnapshot returns a Snapshot with defaults applied.
func NewSnapshot() Snapshot {
	return Snapshot{
		Port:                 DefaultPort,
		ApdexT:               DefaultApdexT,
		HarvestPeriod:        DefaultHarvestPeriod,
		CompressionThreshold: DefaultCompressionThreshold,
		Compression:          DefaultCompression,
		MaxPayloadSize:       DefaultMaxPayloadSize,
		CollectTraces:        true,
		CollectErrors:        true,
		CollectEvents:        true,
		CollectCustomEvents:  true,
		CollectSpanEvents:    true,
	}
}

// Address returns host:port of the active collector.
func (s Snapshot) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL returns the scheme and address of the active collector.
func (s Snapshot) BaseURL() string {
	scheme := "https"
	if s.Insecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, s.Address())
}

// Store publishes Snapshots to many readers.  Load is lock-free;
// Update serializes writers and notifies subscribers.
type Store struct {
	current atomic.Pointer[Snapshot]

	lock   sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
}

func NewStore(initial Snapshot) *Store {
	s := &Store{
		subs: map[int]chan Snapshot{},
	}
	s.current.Store(&initial)
	return s
}

// Load returns the current Snapshot.
func (s *Store) Load() Snapshot {
	return *s.current.Load()
}

// Update replaces the current Snapshot with f's result and returns
// it.  Subscribers always observe the latest value; a slow subscriber
// may miss intermediate values.
func (s *Store) Update(f func(Snapshot) Snapshot) Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := f(*s.current.Load())
	s.current.Store(&next)

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}

// Subscribe returns a channel that receives every published
// Snapshot and a function that cancels the subscription.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.lock.Lock()
			defer s.lock.Unlock()
			delete(s.subs, id)
		})
	}
}
