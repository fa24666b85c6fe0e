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

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
)

// Action tells the caller of an endpoint what to do with the data it
// tried to deliver.
type Action int

const (
	// Clear: delivery succeeded, drop the buffered data.
	Clear Action = iota
	// Retain: merge the data back into the live buffer.
	Retain
	// Discard: drop the data, sending it again fails the same way.
	Discard
	// Restart: the connection is being re-established.  The data is
	// dropped and the call reports no error.
	Restart
	// Disconnect: the collector rejected this agent permanently.
	Disconnect
)

func (a Action) String() string {
	switch a {
	case Clear:
		return "clear"
	case Retain:
		return "retain"
	case Discard:
		return "discard"
	case Restart:
		return "restart"
	case Disconnect:
		return "disconnect"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Keep reports whether the caller should hold on to its data.
func (a Action) Keep() bool {
	return a == Retain
}

// Classify maps an HTTP status to an Action.  Unlisted codes are
// treated as success.
func Classify(status int) (Action, bool) {
	switch status {
	case 200, 202:
		return Clear, true
	case 401, 409:
		return Restart, true
	case 408, 429, 500, 503:
		return Retain, true
	case 400, 403, 404, 405, 407, 411, 413, 414, 415, 417, 431:
		return Discard, true
	case 410:
		return Disconnect, true
	}
	return Clear, false
}

const (
	forceRestartException    = "ForceRestartException"
	forceDisconnectException = "ForceDisconnectException"
)

// ClassifyError maps the error returned by remote.Method.Invoke to an
// Action.
func ClassifyError(err error) Action {
	if err == nil {
		return Clear
	}

	var (
		status    *remote.StatusError
		exception *remote.RemoteException
		transport *remote.TransportError
		local     *remote.LocalError
	)
	switch {
	case errors.As(err, &status):
		action, _ := Classify(status.StatusCode)
		return action
	case errors.As(err, &exception):
		switch {
		case strings.HasSuffix(exception.ErrorType, forceRestartException):
			return Restart
		case strings.HasSuffix(exception.ErrorType, forceDisconnectException):
			return Disconnect
		}
		return Discard
	case errors.As(err, &transport):
		return Retain
	case errors.As(err, &local):
		return Discard
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Retain
	}
	return Discard
}

// Result is the outcome of one endpoint call.
type Result struct {
	Method string
	Action Action

	// Err is nil for Clear and Restart.
	Err error

	Response *remote.Response
}
