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

// Collector method names.
const (
	MethodPreconnect            = "preconnect"
	MethodConnect               = "connect"
	MethodAgentSettings         = "agent_settings"
	MethodMetricData            = "metric_data"
	MethodErrorData             = "error_data"
	MethodTransactionSampleData = "transaction_sample_data"
	MethodAnalyticEventData     = "analytic_event_data"
	MethodCustomEventData       = "custom_event_data"
	MethodSpanEventData         = "span_event_data"
	MethodShutdown              = "shutdown"
)
