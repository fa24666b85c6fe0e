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
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/transaction"
)

// newTraceSampler returns nil when every trace is kept.  Otherwise
// the decision is a pure function of the trace GUID, so a trace is
// kept or dropped the same way on every call.
func newTraceSampler(c PipelineConfig) func(*transaction.Trace) bool {
	if !c.SamplingEnabled || c.SamplingPercent >= 100 {
		return nil
	}
	if c.SamplingPercent <= 0 {
		return func(*transaction.Trace) bool { return false }
	}
	return guidRatioSampler(float64(c.SamplingPercent) / 100.0)
}

func guidRatioSampler(fraction float64) func(*transaction.Trace) bool {
	bound := uint64(fraction * (1 << 63))
	return func(tr *transaction.Trace) bool {
		id, err := uuid.Parse(tr.GUID())
		if err != nil {
			return true
		}
		x := binary.BigEndian.Uint64(id[0:8]) >> 1
		return x < bound
	}
}
