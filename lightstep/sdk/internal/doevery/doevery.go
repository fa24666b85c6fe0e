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

// package doevery provides primitives for per-key rate-limiting.
package doevery

import (
	"fmt"
	"sync"
	"time"
)

// Limiter remembers the last time an action ran for each key.  It is
// used to keep a failing harvest endpoint from logging on every cycle.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	// mu protects below.
	mu sync.Mutex

	// mostRecent maintains the last time the action for a key ran.
	mostRecent map[string]time.Time

	now func() time.Time
}

func New() *Limiter {
	return &Limiter{
		mostRecent: map[string]time.Time{},
		now:        time.Now,
	}
}

// Do runs f unless f already ran for key within the last dur.  It
// reports whether f ran.
//
// Example usage:
//
//	limiter.Do("metric_data", time.Minute, func() {
//		logger.Warn("harvest failed", zap.Error(err))
//	})
func (l *Limiter) Do(key string, dur time.Duration, f func()) bool {
	if dur < 0 {
		panic(fmt.Sprintf("negative duration unsupported: %v", dur))
	}

	shouldInvoke := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()

		now := l.now()
		prev, ok := l.mostRecent[key]

		invoking := !ok || now.Sub(prev) > dur
		if invoking {
			l.mostRecent[key] = now
		}
		return invoking
	}()

	if !shouldInvoke {
		return false
	}
	f()
	return true
}

// Reset forgets key, so the next Do for it runs immediately.  Called
// when an endpoint recovers.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.mostRecent, key)
}
