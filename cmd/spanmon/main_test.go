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

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"go.chromium.org/luci/common/flag/stringmapflag"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/spanmetrics/monitoring/convert"
	"go.chromium.org/spanmetrics/spanclient"
)

func TestHelpers(t *testing.T) {
	t.Parallel()

	ftt.Run(`sqlArg`, t, func(t *ftt.Test) {
		sql, err := sqlArg([]string{"SELECT", "1"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, sql, should.Equal("SELECT 1"))

		_, err = sqlArg(nil)
		assert.Loosely(t, err, should.ErrLike("expected a SQL statement"))
		_, err = sqlArg([]string{"  "})
		assert.Loosely(t, err, should.ErrLike("expected a SQL statement"))
	})

	ftt.Run(`queryParams`, t, func(t *ftt.Test) {
		assert.Loosely(t, queryParams(nil), should.BeNil)

		var v stringmapflag.Value
		assert.Loosely(t, v.Set("id=1"), should.BeNil)
		assert.Loosely(t, v.Set("name=Alice"), should.BeNil)
		assert.Loosely(t, queryParams(v), should.Match(map[string]any{"id": "1", "name": "Alice"}))
	})

	ftt.Run(`writeRow`, t, func(t *ftt.Test) {
		row, err := spanner.NewRow(
			[]string{"name", "id", "nickname"},
			[]any{"Alice", int64(1), spanner.NullString{}})
		assert.Loosely(t, err, should.BeNil)

		var buf bytes.Buffer
		assert.Loosely(t, writeRow(&buf, row), should.BeNil)
		assert.Loosely(t, buf.String(), should.Equal(`{"id":"1","name":"Alice","nickname":null}`+"\n"))
	})

	ftt.Run(`Timestamp bounds`, t, func(t *ftt.Test) {
		cmd := &cmdRunQuery{}
		assert.Loosely(t, cmd.bound().String(), should.Equal(spanner.StrongRead().String()))

		cmd.snapshot = true
		assert.Loosely(t, cmd.bound().String(), should.Equal(spanner.ExactStaleness(15*time.Second).String()))

		cmd.snapshot = false
		cmd.staleness = time.Minute
		assert.Loosely(t, cmd.bound().String(), should.Equal(spanner.ExactStaleness(time.Minute).String()))
	})
}

func TestMainImpl(t *testing.T) {
	t.Parallel()

	ftt.Run(`mainImpl`, t, func(t *ftt.Test) {
		ctx := context.Background()

		t.Run(`task-id`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"task-id"}), should.BeZero)
			assert.Loosely(t, mainImpl(ctx, []string{"task-id", "extra"}), should.Equal(1))
		})

		t.Run(`Bad global flags`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"-no-such-flag", "task-id"}), should.Equal(1))
		})

		t.Run(`SQL commands need a database`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"query", "SELECT 1"}), should.Equal(1))
			assert.Loosely(t, mainImpl(ctx, []string{"write", "DELETE FROM T WHERE TRUE"}), should.Equal(1))
		})

		t.Run(`Bad database name`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"-database", "nope", "query", "SELECT 1"}), should.Equal(1))
		})

		t.Run(`Conflicting bounds`, func(t *ftt.Test) {
			args := []string{"-database", "projects/p/instances/i/databases/d", "query", "-snapshot", "-staleness", "1s", "SELECT 1"}
			assert.Loosely(t, mainImpl(ctx, args), should.Equal(1))
		})

		t.Run(`Missing SQL`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"-database", "projects/p/instances/i/databases/d", "write"}), should.Equal(1))
		})

		t.Run(`Bad metrics endpoint`, func(t *ftt.Test) {
			args := []string{
				"-database", "projects/p/instances/i/databases/d",
				"-metrics-endpoint", "gopher://x",
				"query", "SELECT 1",
			}
			assert.Loosely(t, mainImpl(ctx, args), should.Equal(1))
		})

		t.Run(`batch`, func(t *ftt.Test) {
			assert.Loosely(t, mainImpl(ctx, []string{"batch"}), should.Equal(1))

			empty := filepath.Join(t.TempDir(), "empty.sql")
			assert.Loosely(t, os.WriteFile(empty, []byte("-- nothing to do\n"), 0600), should.BeNil)
			assert.Loosely(t, mainImpl(ctx, []string{"batch", empty}), should.BeZero)

			assert.Loosely(t, mainImpl(ctx, []string{"batch", filepath.Join(t.TempDir(), "missing.sql")}), should.Equal(1))
		})
	})
}

func TestMetricsFlags(t *testing.T) {
	t.Parallel()

	ftt.Run(`Default metrics flags`, t, func(t *ftt.Test) {
		ctx := context.Background()
		fl := newMetricsFlags()
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fl.Register(fs)
		assert.Loosely(t, fs.Parse(nil), should.BeNil)
		assert.Loosely(t, fl.PromoteAttributes, should.BeTrue)

		fl.Project = "p"
		fl.Instance = "i"

		// The attributes spanclient records for each operation.
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		meter := mp.Meter(convert.DefaultScope)
		ops, err := meter.Int64Counter(spanclient.OperationCountMetric)
		assert.NoErr(t, err)
		lat, err := meter.Float64Histogram(spanclient.OperationLatenciesMetric)
		assert.NoErr(t, err)
		record := func(method, status string) {
			set := metric.WithAttributes(
				attribute.String(convert.ProjectIDKey, "p"),
				attribute.String(convert.InstanceIDKey, "i"),
				attribute.String(spanclient.DatabaseKey, "d"),
				attribute.String(spanclient.MethodKey, method),
				attribute.String(spanclient.StatusKey, status))
			ops.Add(ctx, 1, set)
			lat.Record(ctx, 10, set)
		}
		record(spanclient.MethodQuery, "OK")
		record(spanclient.MethodWrite, "OK")
		record(spanclient.MethodWrite, "Aborted")

		var rm metricdata.ResourceMetrics
		assert.NoErr(t, reader.Collect(ctx, &rm))
		series, diags := convert.New(fl.ConverterConfig()).Convert(&rm, "task")
		assert.Loosely(t, diags, should.BeEmpty)
		assert.Loosely(t, series, should.HaveLength(6))

		seen := map[string]bool{}
		for _, ts := range series {
			id := fmt.Sprintf("%s %v %v", ts.Metric.Type, ts.Metric.Labels, ts.Resource.Labels)
			assert.Loosely(t, seen[id], should.BeFalse)
			seen[id] = true
		}
	})
}
