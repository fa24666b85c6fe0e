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

package remote // import "github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is wrapped by a LocalError when the encoded body
// exceeds the collector's max_payload_size_in_bytes.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// LocalError reports a failure before any I/O took place:
// serialization, compression or request construction.  Retrying the
// same payload fails the same way.
type LocalError struct {
	Method string
	Op     string
	Err    error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Op, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// TransportError wraps an error from the HTTP transport: DNS failure,
// refused connection, timeout, or a broken response body.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx HTTP status.
type StatusError struct {
	Method     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: collector responded with status %d", e.Method, e.StatusCode)
}

// RemoteException reports an exception envelope returned by the
// collector.
type RemoteException struct {
	Method     string
	StatusCode int
	Message    string
	ErrorType  string
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("%s: remote exception %s: %s", e.Method, e.ErrorType, e.Message)
}
