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
	"os"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

// Facts is the environment description submitted by connect.
type Facts struct {
	PID          int         `json:"pid"`
	Host         string      `json:"host"`
	DisplayHost  string      `json:"display_host,omitempty"`
	Language     string      `json:"language"`
	AgentVersion string      `json:"agent_version"`
	AppName      []string    `json:"app_name"`
	Identifier   string      `json:"identifier"`
	Labels       []Label     `json:"labels,omitempty"`
	Environment  [][2]string `json:"environment,omitempty"`
	Utilization  Utilization `json:"utilization"`
}

type Label struct {
	Type  string `json:"label_type"`
	Value string `json:"label_value"`
}

// Utilization describes the host for capacity reporting.
type Utilization struct {
	MetadataVersion   int    `json:"metadata_version"`
	LogicalProcessors int    `json:"logical_processors,omitempty"`
	TotalRAMMiB       uint64 `json:"total_ram_mib,omitempty"`
	Hostname          string `json:"hostname"`
	Platform          string `json:"platform,omitempty"`
	KernelVersion     string `json:"kernel_version,omitempty"`
}

const utilizationMetadataVersion = 5

// GatherFacts collects the connect facts.  Host probes that fail
// leave their fields empty; the returned error lists them.
func GatherFacts(ctx context.Context, appName, agentVersion string, labels []attribute.KeyValue) (Facts, error) {
	var errs error

	hostname, err := os.Hostname()
	if err != nil {
		errs = multierr.Append(errs, err)
		hostname = "unknown"
	}

	f := Facts{
		PID:          os.Getpid(),
		Host:         hostname,
		Language:     "go",
		AgentVersion: agentVersion,
		AppName:      []string{appName},
		Identifier:   appName,
		Labels:       toLabels(labels),
		Environment: [][2]string{
			{"Go version", runtime.Version()},
			{"GOOS", runtime.GOOS},
			{"GOARCH", runtime.GOARCH},
		},
		Utilization: Utilization{
			MetadataVersion: utilizationMetadataVersion,
			Hostname:        hostname,
		},
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		f.Utilization.LogicalProcessors = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		f.Utilization.TotalRAMMiB = vm.Total / (1024 * 1024)
	}
	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		f.Utilization.Platform = info.Platform
		f.Utilization.KernelVersion = info.KernelVersion
	}
	return f, errs
}

func toLabels(kvs []attribute.KeyValue) []Label {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]Label, 0, len(kvs))
	for _, kv := range kvs {
		if !kv.Valid() {
			continue
		}
		out = append(out, Label{Type: string(kv.Key), Value: kv.Value.Emit()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type < out[j].Type
	})
	return out
}
