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

package spanclient

import (
	"context"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/spanmetrics/monitoring/convert"
)

// MetricPrefix is prepended to the names of all client-side metrics.
const MetricPrefix = "spanner.googleapis.com/internal/client/"

const (
	// OperationLatenciesMetric is the end-to-end latency of an operation,
	// including all retries, in milliseconds.
	OperationLatenciesMetric = MetricPrefix + "operation_latencies"
	// OperationCountMetric counts completed operations.
	OperationCountMetric = MetricPrefix + "operation_count"
	// AttemptCountMetric counts transaction attempts. Spanner re-runs
	// read-write transaction functions when they abort.
	AttemptCountMetric = MetricPrefix + "attempt_count"
)

// Attribute keys attached to every measurement.
const (
	MethodKey   = "method"
	StatusKey   = "status"
	DatabaseKey = "database"
)

// latencyBoundaries are the operation_latencies bucket bounds, in ms.
var latencyBoundaries = []float64{
	0, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100,
	130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000,
	20000, 50000, 100000,
}

type instruments struct {
	latencies  metric.Float64Histogram
	operations metric.Int64Counter
	attempts   metric.Int64Counter

	// common are attributes derived from the database name.
	common []attribute.KeyValue
}

func newInstruments(mp metric.MeterProvider, databaseName string) (*instruments, error) {
	meter := mp.Meter(convert.DefaultScope)

	ins := &instruments{}
	var err error
	ins.latencies, err = meter.Float64Histogram(OperationLatenciesMetric,
		metric.WithDescription("Total time until final operation success or failure, including retries."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBoundaries...))
	if err != nil {
		return nil, errors.Annotate(err, "operation_latencies").Err()
	}
	ins.operations, err = meter.Int64Counter(OperationCountMetric,
		metric.WithDescription("Number of operations."),
		metric.WithUnit("1"))
	if err != nil {
		return nil, errors.Annotate(err, "operation_count").Err()
	}
	ins.attempts, err = meter.Int64Counter(AttemptCountMetric,
		metric.WithDescription("Number of attempts made by operations."),
		metric.WithUnit("1"))
	if err != nil {
		return nil, errors.Annotate(err, "attempt_count").Err()
	}

	if name, err := ParseDatabaseName(databaseName); err == nil {
		ins.common = []attribute.KeyValue{
			attribute.String(convert.ProjectIDKey, name.Project),
			attribute.String(convert.InstanceIDKey, name.Instance),
			attribute.String(DatabaseKey, name.Database),
		}
	} else {
		ins.common = []attribute.KeyValue{attribute.String(DatabaseKey, databaseName)}
	}
	return ins, nil
}

// attemptCounter is handed to operations so they can report how many times
// Spanner ran them.
type attemptCounter struct {
	n int64
}

func (a *attemptCounter) inc() {
	a.n++
}

// record runs op and records its latency, outcome and attempts.
//
// Operations that don't report attempts count as a single attempt.
func (ins *instruments) record(ctx context.Context, method string, op func(ctx context.Context, attempts *attemptCounter) error) error {
	attempts := &attemptCounter{}
	start := clock.Now(ctx)
	err := op(ctx, attempts)
	elapsed := clock.Now(ctx).Sub(start)

	if attempts.n == 0 {
		attempts.n = 1
	}
	code := spanner.ErrCode(err)

	attrs := make([]attribute.KeyValue, 0, len(ins.common)+2)
	attrs = append(attrs, ins.common...)
	attrs = append(attrs,
		attribute.String(MethodKey, method),
		attribute.String(StatusKey, code.String()))
	set := metric.WithAttributeSet(attribute.NewSet(attrs...))

	ins.latencies.Record(ctx, float64(elapsed.Microseconds())/1000, set)
	ins.operations.Add(ctx, 1, set)
	ins.attempts.Add(ctx, attempts.n, set)

	if err != nil {
		logging.Debugf(ctx, "spanner %s failed after %s (%d attempts): %s", method, elapsed, attempts.n, err)
	}
	return err
}
