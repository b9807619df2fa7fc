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

// Package exporter implements an OpenTelemetry metric exporter that sends
// client-side Spanner metrics to Cloud Monitoring.
package exporter

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/spanmetrics/monitoring/convert"
)

// Options configure an Exporter.
type Options struct {
	// Config is passed to the converter.
	Config convert.Config

	// Writer receives the converted series. Required.
	Writer Writer

	// Retry is the policy for transient write errors.
	// Defaults to transient.Only(retry.Default).
	Retry retry.Factory

	// TaskID is the client_uid label value. Defaults to convert.TaskIdentity().
	TaskID string
}

// Exporter converts metric data collected by the OpenTelemetry SDK and sends
// it through a Writer.
//
// It implements sdkmetric.Exporter.
type Exporter struct {
	conv   *convert.Converter
	w      Writer
	retry  retry.Factory
	taskID string

	mu       sync.Mutex
	shutdown bool
}

var _ sdkmetric.Exporter = (*Exporter)(nil)

// New creates an Exporter.
//
// The task identity is derived once here, so all series of this process share
// the same client_uid across export cycles.
func New(opts Options) (*Exporter, error) {
	if opts.Writer == nil {
		return nil, errors.Reason("a writer is required").Err()
	}
	if opts.Retry == nil {
		opts.Retry = transient.Only(retry.Default)
	}
	if opts.TaskID == "" {
		opts.TaskID = convert.TaskIdentity()
	}
	return &Exporter{
		conv:   convert.New(opts.Config),
		w:      opts.Writer,
		retry:  opts.Retry,
		taskID: opts.TaskID,
	}, nil
}

// TaskID returns the client_uid label value of this exporter.
func (e *Exporter) TaskID() string {
	return e.taskID
}

// Temporality implements sdkmetric.Exporter.
//
// Delta sums and histograms can't be represented, so everything is
// cumulative.
func (e *Exporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter.
func (e *Exporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export implements sdkmetric.Exporter.
func (e *Exporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.isShutdown() {
		return sdkmetric.ErrExporterShutdown
	}

	series, diags := e.conv.Convert(rm, e.taskID)
	for _, d := range diags {
		logging.Warningf(ctx, "spanmetrics: %s", d)
	}
	return e.write(ctx, series)
}

// write splits up the series into chunks if there are too many of them.
func (e *Exporter) write(ctx context.Context, series []*monitoringpb.TimeSeries) error {
	chunkSize := e.w.ChunkSize()
	if chunkSize == 0 {
		chunkSize = len(series)
	}
	for len(series) > 0 {
		chunk := series[:min(chunkSize, len(series))]
		err := retry.Retry(ctx, e.retry, func() error {
			return e.w.Write(ctx, chunk)
		}, func(err error, d time.Duration) {
			logging.Warningf(ctx, "spanmetrics: transient error writing %d time series, retrying in %s - %s", len(chunk), d, err)
		})
		if err != nil {
			return errors.Annotate(err, "failed to write %d time series", len(chunk)).Err()
		}
		series = series[len(chunk):]
	}
	return nil
}

// ForceFlush implements sdkmetric.Exporter. Nothing is buffered.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	return ctx.Err()
}

// Shutdown implements sdkmetric.Exporter.
//
// It closes the writer. Subsequent Export calls fail with
// sdkmetric.ErrExporterShutdown.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil
	}
	e.shutdown = true
	if err := e.w.Close(); err != nil {
		return errors.Annotate(err, "failed to close the writer").Err()
	}
	return nil
}

func (e *Exporter) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// NewMeterProvider returns a MeterProvider that periodically collects and
// exports metrics through the exporter.
func NewMeterProvider(e *Exporter, interval time.Duration) *sdkmetric.MeterProvider {
	var opts []sdkmetric.PeriodicReaderOption
	if interval > 0 {
		opts = append(opts, sdkmetric.WithInterval(interval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(e, opts...)),
	)
}
