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

package transaction // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/transaction"

import "time"

// now is replaced in tests.
var now = time.Now

type timerState int

const (
	timerIdle timerState = iota
	timerRunning
	timerEnded
)

// Timer measures one interval.  A Timer is not safe for concurrent
// use; Segment guards it with the owning Trace's lock.
type Timer struct {
	start    time.Time
	duration time.Duration
	state    timerState
}

// Begin starts the timer.  It has no effect once started.
func (t *Timer) Begin() {
	if t.state != timerIdle {
		return
	}
	t.start = now()
	t.state = timerRunning
}

// End stops a running timer and reports whether it did so.  Ending an
// ended timer keeps the first duration.
func (t *Timer) End() bool {
	if t.state != timerRunning {
		return false
	}
	t.duration = now().Sub(t.start)
	t.state = timerEnded
	return true
}

// Set forces an explicit start and duration, bypassing measurement.
// Unlike End, Set always overwrites.
func (t *Timer) Set(start time.Time, d time.Duration) {
	t.start = start
	t.duration = max(d, 0)
	t.state = timerEnded
}

// SetDuration overwrites the duration and keeps the start.  An idle
// timer is started now.
func (t *Timer) SetDuration(d time.Duration) {
	if t.state == timerIdle {
		t.start = now()
	}
	t.duration = max(d, 0)
	t.state = timerEnded
}

func (t *Timer) IsRunning() bool {
	return t.state == timerRunning
}

func (t *Timer) HasEnded() bool {
	return t.state == timerEnded
}

func (t *Timer) StartTime() time.Time {
	return t.start
}

// Duration returns the measured duration, the elapsed time for a
// running timer, or zero for an idle one.
func (t *Timer) Duration() time.Duration {
	switch t.state {
	case timerRunning:
		return now().Sub(t.start)
	case timerEnded:
		return t.duration
	}
	return 0
}
