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

package exporter

import (
	"context"
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/spanmetrics/monitoring/convert"
)

// DefaultFlushInterval is how often metrics are exported by default.
const DefaultFlushInterval = time.Minute

// config is the JSON config file format.
type config struct {
	Endpoint       string `json:"endpoint"`
	Project        string `json:"project"`
	Instance       string `json:"instance"`
	InstanceConfig string `json:"instance_config"`
	Location       string `json:"location"`
	FlushInterval  string `json:"flush_interval"`
}

// loadConfig loads the config file at path.
//
// A missing file or an empty path is not an error, it results in an empty
// config.
func loadConfig(path string) (config, error) {
	var ret config
	if path == "" {
		return ret, nil
	}
	blob, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return ret, nil
	case err != nil:
		return ret, err
	}
	if err := json.Unmarshal(blob, &ret); err != nil {
		return ret, errors.Annotate(err, "bad config file %q", path).Err()
	}
	return ret, nil
}

// Flags are the options of the metrics exporter that can be set from the
// command line.
type Flags struct {
	// ConfigFile is a path to an optional JSON config file. Values set via
	// other flags override values from the file.
	ConfigFile string

	// Endpoint is where to send metrics:
	//   - "" or "none": metrics are not exported.
	//   - "cloud://" or "cloud://<host>": Cloud Monitoring, optionally at a
	//     non-default API host.
	//   - "file:///path": text protos logged and appended to the file.
	Endpoint string

	Project        string
	Instance       string
	InstanceConfig string
	Location       string

	// FlushInterval is how often metrics are exported.
	FlushInterval time.Duration

	// PromoteAttributes copies metric attributes into labels.
	PromoteAttributes bool

	// flushIntervalSet is true if -metrics-flush-interval was passed.
	flushIntervalSet bool
}

// flushIntervalFlag sets Flags.FlushInterval and remembers that it was set.
type flushIntervalFlag struct {
	fl *Flags
}

func (f flushIntervalFlag) String() string {
	if f.fl == nil {
		return ""
	}
	return f.fl.FlushInterval.String()
}

func (f flushIntervalFlag) Set(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	f.fl.FlushInterval = d
	f.fl.flushIntervalSet = true
	return nil
}

// NewFlags returns Flags with default values.
func NewFlags() Flags {
	return Flags{FlushInterval: DefaultFlushInterval}
}

// Register adds the flags to the flag set.
func (fl *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&fl.ConfigFile, "metrics-config", fl.ConfigFile,
		"Path to a JSON file with the metrics exporter config.")
	fs.StringVar(&fl.Endpoint, "metrics-endpoint", fl.Endpoint,
		`Where to send metrics: "cloud://[host]", "file:///path" or "none".`)
	fs.StringVar(&fl.Project, "metrics-project", fl.Project,
		"Cloud project to attribute metrics to.")
	fs.StringVar(&fl.Instance, "metrics-instance", fl.Instance,
		"Spanner instance ID label value.")
	fs.StringVar(&fl.InstanceConfig, "metrics-instance-config", fl.InstanceConfig,
		"Spanner instance config label value.")
	fs.StringVar(&fl.Location, "metrics-location", fl.Location,
		"Location label value.")
	fs.Var(flushIntervalFlag{fl}, "metrics-flush-interval",
		"How often to export metrics.")
	fs.BoolVar(&fl.PromoteAttributes, "metrics-promote-attributes", fl.PromoteAttributes,
		"Copy metric attributes into resource and metric labels.")
}

// merge overrides values from the config file with flag values.
func (fl *Flags) merge(cfg config) (Flags, error) {
	ret := *fl
	pick := func(flagVal, cfgVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return cfgVal
	}
	ret.Endpoint = pick(fl.Endpoint, cfg.Endpoint)
	ret.Project = pick(fl.Project, cfg.Project)
	ret.Instance = pick(fl.Instance, cfg.Instance)
	ret.InstanceConfig = pick(fl.InstanceConfig, cfg.InstanceConfig)
	ret.Location = pick(fl.Location, cfg.Location)
	// The file's interval applies unless the flag was passed or the caller
	// picked a non-default value.
	if cfg.FlushInterval != "" && !fl.flushIntervalSet && (fl.FlushInterval == 0 || fl.FlushInterval == DefaultFlushInterval) {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return ret, errors.Annotate(err, "bad flush_interval %q", cfg.FlushInterval).Err()
		}
		ret.FlushInterval = d
	}
	return ret, nil
}

// ConverterConfig returns the converter config described by the flags.
func (fl *Flags) ConverterConfig() convert.Config {
	return convert.Config{
		ProjectID:         fl.Project,
		InstanceID:        fl.Instance,
		InstanceConfig:    fl.InstanceConfig,
		Location:          fl.Location,
		PromoteAttributes: fl.PromoteAttributes,
	}
}

// NewFromFlags creates an exporter as configured by the flags and the config
// file they point to.
//
// Returns (nil, nil) if exporting is disabled. The returned Flags have the
// config file values merged in.
func NewFromFlags(ctx context.Context, fl *Flags, opts ...option.ClientOption) (*Exporter, Flags, error) {
	cfg, err := loadConfig(fl.ConfigFile)
	if err != nil {
		return nil, *fl, errors.Annotate(err, "failed to load config file at [%s]", fl.ConfigFile).Err()
	}
	merged, err := fl.merge(cfg)
	if err != nil {
		return nil, *fl, err
	}

	w, err := newWriter(ctx, &merged, opts)
	switch {
	case err != nil:
		return nil, merged, errors.Annotate(err, "failed to initialize the writer").Err()
	case w == nil:
		return nil, merged, nil
	}

	exp, err := New(Options{
		Config: merged.ConverterConfig(),
		Writer: w,
	})
	if err != nil {
		w.Close()
		return nil, merged, err
	}
	return exp, merged, nil
}

// newWriter examines the endpoint and initializes a writer.
//
// It returns (nil, nil) if exporting is disabled.
func newWriter(ctx context.Context, fl *Flags, opts []option.ClientOption) (Writer, error) {
	if fl.Endpoint == "" {
		logging.Infof(ctx, "spanmetrics: exporting is disabled because no endpoint is configured")
		return nil, nil
	}
	if strings.ToLower(fl.Endpoint) == "none" {
		logging.Infof(ctx, "spanmetrics: exporting is explicitly disabled")
		return nil, nil
	}

	endpointURL, err := url.Parse(fl.Endpoint)
	if err != nil {
		return nil, err
	}

	switch endpointURL.Scheme {
	case "file":
		return NewDebugWriter(endpointURL.Path), nil
	case "cloud":
		if endpointURL.Host != "" {
			opts = append(opts, option.WithEndpoint(endpointURL.Host))
		}
		return NewCloudWriter(ctx, fl.Project, opts...)
	default:
		return nil, errors.Reason("unknown metrics endpoint url: %s", fl.Endpoint).Err()
	}
}
