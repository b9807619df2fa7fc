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
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/spanmetrics/monitoring/convert"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	ftt.Run("loadConfig", t, func(t *ftt.Test) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "metrics_config.json")

		t.Run("Empty path", func(t *ftt.Test) {
			cfg, err := loadConfig("")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, cfg, should.Match(config{}))
		})

		t.Run("Missing file", func(t *ftt.Test) {
			cfg, err := loadConfig(path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, cfg, should.Match(config{}))
		})

		t.Run("Bad JSON", func(t *ftt.Test) {
			assert.Loosely(t, os.WriteFile(path, []byte("{not json"), 0600), should.BeNil)
			_, err := loadConfig(path)
			assert.Loosely(t, err, should.ErrLike("bad config file"))
		})

		t.Run("Full file", func(t *ftt.Test) {
			blob := `{
				"endpoint": "cloud://",
				"project": "my-project",
				"instance": "my-instance",
				"instance_config": "regional-us-central1",
				"location": "us-central1",
				"flush_interval": "30s"
			}`
			assert.Loosely(t, os.WriteFile(path, []byte(blob), 0600), should.BeNil)
			cfg, err := loadConfig(path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, cfg, should.Match(config{
				Endpoint:       "cloud://",
				Project:        "my-project",
				Instance:       "my-instance",
				InstanceConfig: "regional-us-central1",
				Location:       "us-central1",
				FlushInterval:  "30s",
			}))
		})
	})
}

func TestFlags(t *testing.T) {
	t.Parallel()

	ftt.Run("Flags", t, func(t *ftt.Test) {
		fl := NewFlags()
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fl.Register(fs)

		t.Run("Parses", func(t *ftt.Test) {
			err := fs.Parse([]string{
				"-metrics-endpoint", "file:///tmp/out.txt",
				"-metrics-project", "p",
				"-metrics-instance", "i",
				"-metrics-instance-config", "ic",
				"-metrics-location", "l",
				"-metrics-flush-interval", "5s",
				"-metrics-promote-attributes",
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, fl.Endpoint, should.Equal("file:///tmp/out.txt"))
			assert.Loosely(t, fl.FlushInterval, should.Equal(5*time.Second))
			assert.Loosely(t, fl.flushIntervalSet, should.BeTrue)
			assert.Loosely(t, fl.ConverterConfig(), should.Match(convert.Config{
				ProjectID:         "p",
				InstanceID:        "i",
				InstanceConfig:    "ic",
				Location:          "l",
				PromoteAttributes: true,
			}))
		})

		t.Run("Defaults", func(t *ftt.Test) {
			assert.Loosely(t, fs.Parse(nil), should.BeNil)
			assert.Loosely(t, fl.FlushInterval, should.Equal(DefaultFlushInterval))
			assert.Loosely(t, fl.Endpoint, should.BeEmpty)
			assert.Loosely(t, fl.flushIntervalSet, should.BeFalse)
		})
	})

	ftt.Run("merge", t, func(t *ftt.Test) {
		cfg := config{
			Endpoint:      "cloud://",
			Project:       "file-project",
			Location:      "file-location",
			FlushInterval: "10s",
		}

		t.Run("File values fill in the blanks", func(t *ftt.Test) {
			fl := NewFlags()
			merged, err := fl.merge(cfg)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, merged.Endpoint, should.Equal("cloud://"))
			assert.Loosely(t, merged.Project, should.Equal("file-project"))
			assert.Loosely(t, merged.FlushInterval, should.Equal(10*time.Second))
		})

		t.Run("Flags win", func(t *ftt.Test) {
			fl := NewFlags()
			fl.Project = "flag-project"
			fl.FlushInterval = 3 * time.Second
			merged, err := fl.merge(cfg)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, merged.Project, should.Equal("flag-project"))
			assert.Loosely(t, merged.Location, should.Equal("file-location"))
			assert.Loosely(t, merged.FlushInterval, should.Equal(3*time.Second))
		})

		t.Run("Explicit default interval wins", func(t *ftt.Test) {
			fl := NewFlags()
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fl.Register(fs)
			assert.Loosely(t, fs.Parse([]string{"-metrics-flush-interval", "1m"}), should.BeNil)
			merged, err := fl.merge(cfg)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, merged.FlushInterval, should.Equal(time.Minute))
		})

		t.Run("Bad interval flag", func(t *ftt.Test) {
			fl := NewFlags()
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			fl.Register(fs)
			assert.Loosely(t, fs.Parse([]string{"-metrics-flush-interval", "often"}), should.NotBeNil)
		})

		t.Run("Bad interval", func(t *ftt.Test) {
			fl := NewFlags()
			cfg.FlushInterval = "often"
			_, err := fl.merge(cfg)
			assert.Loosely(t, err, should.ErrLike("bad flush_interval"))
		})
	})
}

func TestNewFromFlags(t *testing.T) {
	t.Parallel()

	ftt.Run("NewFromFlags", t, func(t *ftt.Test) {
		ctx := context.Background()
		fl := NewFlags()

		t.Run("Disabled without an endpoint", func(t *ftt.Test) {
			exp, _, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, exp, should.BeNil)
		})

		t.Run("Explicitly disabled", func(t *ftt.Test) {
			fl.Endpoint = "NONE"
			exp, _, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, exp, should.BeNil)
		})

		t.Run("Unknown scheme", func(t *ftt.Test) {
			fl.Endpoint = "gopher://somewhere"
			_, _, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.ErrLike("unknown metrics endpoint url"))
		})

		t.Run("Cloud requires a project", func(t *ftt.Test) {
			fl.Endpoint = "cloud://"
			_, _, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.ErrLike("a project is required"))
		})

		t.Run("Bad config file", func(t *ftt.Test) {
			fl.ConfigFile = filepath.Join(t.TempDir(), "cfg.json")
			assert.Loosely(t, os.WriteFile(fl.ConfigFile, []byte("]"), 0600), should.BeNil)
			_, _, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.ErrLike("failed to load config file"))
		})

		t.Run("File endpoint from the config file", func(t *ftt.Test) {
			dir := t.TempDir()
			out := filepath.Join(dir, "series.txt")
			fl.ConfigFile = filepath.Join(dir, "cfg.json")
			blob := `{"endpoint": "file://` + filepath.ToSlash(out) + `", "project": "p"}`
			assert.Loosely(t, os.WriteFile(fl.ConfigFile, []byte(blob), 0600), should.BeNil)

			exp, merged, err := NewFromFlags(ctx, &fl)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, exp, should.NotBeNil)
			assert.Loosely(t, merged.Project, should.Equal("p"))

			assert.Loosely(t, exp.Export(ctx, gauges(2)), should.BeNil)
			assert.Loosely(t, exp.Shutdown(ctx), should.BeNil)

			written, err := os.ReadFile(out)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, string(written), should.ContainSubstring(`"sessions"`))
			assert.Loosely(t, string(written), should.ContainSubstring(`"project_id"`))
		})
	})
}
