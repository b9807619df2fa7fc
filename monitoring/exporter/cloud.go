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
	"sync"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/grpc/grpcutil"
)

// MaxSeriesPerRequest is the Cloud Monitoring limit on the number of time
// series in one CreateTimeSeries request.
const MaxSeriesPerRequest = 200

// metricClient is the subset of *monitoring.MetricClient used here.
type metricClient interface {
	CreateServiceTimeSeries(ctx context.Context, req *monitoringpb.CreateTimeSeriesRequest, opts ...gax.CallOption) error
	Close() error
}

type cloudWriter struct {
	lck       sync.Mutex
	client    metricClient
	project   string
	chunkSize int
}

// NewCloudWriter creates a Writer that sends time series to Cloud Monitoring
// on behalf of the given project.
func NewCloudWriter(ctx context.Context, project string, opts ...option.ClientOption) (Writer, error) {
	if project == "" {
		return nil, errors.Reason("a project is required to write to Cloud Monitoring").Err()
	}
	client, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create the metric client").Err()
	}
	return newCloudWriter(client, project), nil
}

func newCloudWriter(client metricClient, project string) *cloudWriter {
	return &cloudWriter{
		client:    client,
		project:   project,
		chunkSize: MaxSeriesPerRequest,
	}
}

func (w *cloudWriter) ChunkSize() int {
	return w.chunkSize
}

func (w *cloudWriter) Write(ctx context.Context, series []*monitoringpb.TimeSeries) error {
	// Don't waste time on the request if we are already too late.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.lck.Lock()
	client := w.client
	w.lck.Unlock()
	if client == nil {
		return errors.Reason("the writer is closed").Err()
	}

	startTime := clock.Now(ctx)
	err := client.CreateServiceTimeSeries(ctx, &monitoringpb.CreateTimeSeriesRequest{
		Name:       "projects/" + w.project,
		TimeSeries: series,
	})
	if err != nil {
		logging.Warningf(ctx, "spanmetrics: failed to send %d time series - %s", len(series), err)
		return grpcutil.WrapIfTransient(err)
	}
	logging.Debugf(ctx, "spanmetrics: sent %d time series in %s", len(series), clock.Now(ctx).Sub(startTime))
	return nil
}

func (w *cloudWriter) Close() error {
	w.lck.Lock()
	defer w.lck.Unlock()
	if w.client == nil {
		return nil
	}
	if err := w.client.Close(); err != nil {
		return err
	}
	w.client = nil
	return nil
}
