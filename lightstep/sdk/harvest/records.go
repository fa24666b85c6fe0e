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

package harvest

import (
	"encoding/json"
	"maps"
	"time"
)

// ErrorRecord is one traced error.  It encodes as
// [timestampMs, transactionName, message, class, attributes].
type ErrorRecord struct {
	When        time.Time
	Transaction string
	Message     string
	Class       string
	Attributes  map[string]any
}

func (e ErrorRecord) MarshalJSON() ([]byte, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return json.Marshal([]any{
		e.When.UnixMilli(),
		e.Transaction,
		e.Message,
		e.Class,
		attrs,
	})
}

// Event is an analytic, custom or span event.  It encodes as
// [intrinsics, userAttributes, agentAttributes].
type Event struct {
	Intrinsics map[string]any
	User       map[string]any
	Agent      map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	nonNil := func(m map[string]any) map[string]any {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	return json.Marshal([]any{nonNil(e.Intrinsics), nonNil(e.User), nonNil(e.Agent)})
}

// NewTransactionEvent describes one finished transaction.
func NewTransactionEvent(name string, start time.Time, d time.Duration, user map[string]any) Event {
	return Event{
		Intrinsics: map[string]any{
			"type":      "Transaction",
			"name":      name,
			"timestamp": start.UnixMilli(),
			"duration":  d.Seconds(),
		},
		User: user,
	}
}

// NewCustomEvent builds a user-defined event of eventType.  attrs is
// copied; the caller may keep modifying it.
func NewCustomEvent(eventType string, when time.Time, attrs map[string]any) Event {
	return Event{
		Intrinsics: map[string]any{
			"type":      eventType,
			"timestamp": when.UnixMilli(),
		},
		User: maps.Clone(attrs),
	}
}
