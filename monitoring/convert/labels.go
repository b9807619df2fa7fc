// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package convert

const (
	// DefaultScope is the instrumentation scope whose metrics are converted.
	// Metrics produced by any other meter are dropped.
	DefaultScope = "go.chromium.org/spanmetrics"

	// ResourceType is the monitored resource type of every exported series.
	ResourceType = "spanner_instance_client"

	// DefaultClientName identifies the client platform in the metric labels.
	DefaultClientName = "go"
)

// Resource label keys.
const (
	ProjectIDKey      = "project_id"
	InstanceIDKey     = "instance_id"
	InstanceConfigKey = "instance_config"
	LocationKey       = "location"
)

// Metric label keys.
const (
	ClientUIDKey  = "client_uid"
	ClientNameKey = "client_name"
)

// LabelTarget says where a point attribute goes when it is promoted.
type LabelTarget int

const (
	// MetricLabel attributes are attached to the metric descriptor.
	MetricLabel LabelTarget = iota
	// ResourceLabel attributes are attached to the monitored resource.
	ResourceLabel
)

func (t LabelTarget) String() string {
	switch t {
	case ResourceLabel:
		return "resource"
	case MetricLabel:
		return "metric"
	default:
		return "unknown"
	}
}

var promotedResourceLabels = map[string]struct{}{
	ProjectIDKey:      {},
	InstanceIDKey:     {},
	InstanceConfigKey: {},
	LocationKey:       {},
}

// ClassifyLabel decides whether an attribute key identifies the monitored
// resource or the metric.
func ClassifyLabel(key string) LabelTarget {
	if _, ok := promotedResourceLabels[key]; ok {
		return ResourceLabel
	}
	return MetricLabel
}

// Config holds the values stamped onto every converted time series.
type Config struct {
	// ProjectID, InstanceID, InstanceConfig and Location populate the labels
	// of the monitored resource.
	ProjectID      string
	InstanceID     string
	InstanceConfig string
	Location       string

	// ClientName is the value of the client_name metric label.
	// Defaults to DefaultClientName.
	ClientName string

	// Scope is the name of the only instrumentation scope that is converted.
	// Defaults to DefaultScope.
	Scope string

	// PromoteAttributes enables copying of point attributes into the resource
	// and metric labels according to ClassifyLabel.
	//
	// Off by default: only the configured values above are used.
	PromoteAttributes bool
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	return c
}

func (c *Config) resourceLabels() map[string]string {
	return map[string]string{
		ProjectIDKey:      c.ProjectID,
		InstanceIDKey:     c.InstanceID,
		InstanceConfigKey: c.InstanceConfig,
		LocationKey:       c.Location,
	}
}
