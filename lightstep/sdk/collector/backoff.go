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

package collector

import "time"

// Policy returns how long to wait before connect attempt number
// numErrors+1.
type Policy interface {
	GetBackoffDuration(numErrors int) time.Duration
}

// Schedule is a fixed backoff table indexed by the number of failed
// attempts.  The last entry repeats forever.
type Schedule []time.Duration

// DefaultSchedule is the connect retry schedule.
var DefaultSchedule = Schedule{
	15 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

func (s Schedule) GetBackoffDuration(numErrors int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if numErrors < 1 {
		numErrors = 1
	}
	if numErrors > len(s) {
		return s[len(s)-1]
	}
	return s[numErrors-1]
}
