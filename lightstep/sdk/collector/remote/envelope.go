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

import "encoding/json"

// Envelope is the body of every collector response.
type Envelope struct {
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	Exception   *Exception      `json:"exception,omitempty"`
	Messages    []Message       `json:"messages,omitempty"`
}

type Exception struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// Message is an informational note for the agent log.
type Message struct {
	Message string `json:"message"`
}

// Response is a successful collector call.
type Response struct {
	StatusCode int

	// ReturnValue is nil when the collector sent no body or a null
	// return value.
	ReturnValue json.RawMessage

	Envelope Envelope
}

// Decode unmarshals the return value into v.  A missing return value
// leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.ReturnValue) == 0 || string(r.ReturnValue) == "null" {
		return nil
	}
	return json.Unmarshal(r.ReturnValue, v)
}
