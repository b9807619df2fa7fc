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

// Package convert translates OpenTelemetry SDK metric data into Cloud
// Monitoring time series.
//
// The conversion is pure: it does no I/O and keeps no state between calls.
// Anything it cannot represent is reported back as a Diagnostic instead of
// being logged.
package convert

import (
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	distributionpb "google.golang.org/genproto/googleapis/api/distribution"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Diagnostic describes a metric that was converted in a degraded way.
type Diagnostic struct {
	// Metric is the name of the affected metric.
	Metric string
	// Kind is the Go type of the metric's aggregation.
	Kind string
	// Message says what happened.
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s (%s): %s", d.Metric, d.Kind, d.Message)
}

// Converter converts batches of metric data.
//
// It is safe for concurrent use.
type Converter struct {
	cfg Config
}

// New returns a Converter that stamps the given config onto every series.
func New(cfg Config) *Converter {
	return &Converter{cfg: cfg.withDefaults()}
}

// Config returns the effective config, with defaults filled in.
func (c *Converter) Config() Config {
	return c.cfg
}

// Convert converts every data point of every metric produced by the
// recognized instrumentation scope into exactly one time series.
//
// Metrics of other scopes are skipped. The output follows the order of the
// metrics and then the order of their points. taskID becomes the client_uid
// label of all returned series.
func (c *Converter) Convert(rm *metricdata.ResourceMetrics, taskID string) ([]*monitoringpb.TimeSeries, []Diagnostic) {
	if rm == nil {
		return nil, nil
	}
	var (
		out   []*monitoringpb.TimeSeries
		diags []Diagnostic
	)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != c.cfg.Scope {
			continue
		}
		for _, m := range sm.Metrics {
			series, diag := c.convertMetric(m, taskID)
			out = append(out, series...)
			diags = append(diags, diag...)
		}
	}
	return out, diags
}

func (c *Converter) convertMetric(m metricdata.Metrics, taskID string) ([]*monitoringpb.TimeSeries, []Diagnostic) {
	b := seriesBuilder{
		cfg:       &c.cfg,
		name:      m.Name,
		kind:      metricKind(m.Data),
		valueType: valueType(m.Data),
		taskID:    taskID,
	}

	switch data := m.Data.(type) {
	case metricdata.Gauge[int64]:
		return numberSeries(&b, data.DataPoints), nil
	case metricdata.Gauge[float64]:
		return numberSeries(&b, data.DataPoints), nil
	case metricdata.Sum[int64]:
		return numberSeries(&b, data.DataPoints), nil
	case metricdata.Sum[float64]:
		return numberSeries(&b, data.DataPoints), nil
	case metricdata.Histogram[int64]:
		return histogramSeries(&b, data.DataPoints), nil
	case metricdata.Histogram[float64]:
		return histogramSeries(&b, data.DataPoints), nil
	case metricdata.ExponentialHistogram[int64]:
		return expHistogramSeries(&b, data.DataPoints), nil
	case metricdata.ExponentialHistogram[float64]:
		return expHistogramSeries(&b, data.DataPoints), nil
	case metricdata.Summary:
		out := make([]*monitoringpb.TimeSeries, len(data.DataPoints))
		for i, p := range data.DataPoints {
			out[i] = b.build(p.Attributes, p.StartTime, p.Time, nil)
		}
		return out, []Diagnostic{b.diagnostic(m.Data, "unsupported metric type, exported without a value")}
	default:
		return nil, []Diagnostic{b.diagnostic(m.Data, "unsupported metric type, no data points to export")}
	}
}

// metricKind classifies the aggregation. It never looks at point values.
func metricKind(data metricdata.Aggregation) metricpb.MetricDescriptor_MetricKind {
	switch d := data.(type) {
	case metricdata.Histogram[int64]:
		return cumulativeOnly(d.Temporality)
	case metricdata.Histogram[float64]:
		return cumulativeOnly(d.Temporality)
	case metricdata.ExponentialHistogram[int64]:
		return cumulativeOnly(d.Temporality)
	case metricdata.ExponentialHistogram[float64]:
		return cumulativeOnly(d.Temporality)
	case metricdata.Gauge[int64], metricdata.Gauge[float64]:
		return metricpb.MetricDescriptor_GAUGE
	case metricdata.Sum[int64]:
		return sumKind(d.IsMonotonic, d.Temporality)
	case metricdata.Sum[float64]:
		return sumKind(d.IsMonotonic, d.Temporality)
	default:
		return metricpb.MetricDescriptor_METRIC_KIND_UNSPECIFIED
	}
}

func sumKind(monotonic bool, t metricdata.Temporality) metricpb.MetricDescriptor_MetricKind {
	if !monotonic {
		return metricpb.MetricDescriptor_GAUGE
	}
	return cumulativeOnly(t)
}

func cumulativeOnly(t metricdata.Temporality) metricpb.MetricDescriptor_MetricKind {
	if t == metricdata.CumulativeTemporality {
		return metricpb.MetricDescriptor_CUMULATIVE
	}
	return metricpb.MetricDescriptor_METRIC_KIND_UNSPECIFIED
}

func valueType(data metricdata.Aggregation) metricpb.MetricDescriptor_ValueType {
	switch data.(type) {
	case metricdata.Gauge[int64], metricdata.Sum[int64]:
		return metricpb.MetricDescriptor_INT64
	case metricdata.Gauge[float64], metricdata.Sum[float64]:
		return metricpb.MetricDescriptor_DOUBLE
	case metricdata.Histogram[int64], metricdata.Histogram[float64],
		metricdata.ExponentialHistogram[int64], metricdata.ExponentialHistogram[float64]:
		return metricpb.MetricDescriptor_DISTRIBUTION
	default:
		return metricpb.MetricDescriptor_VALUE_TYPE_UNSPECIFIED
	}
}

// seriesBuilder holds what is shared by all series of one metric.
type seriesBuilder struct {
	cfg       *Config
	name      string
	kind      metricpb.MetricDescriptor_MetricKind
	valueType metricpb.MetricDescriptor_ValueType
	taskID    string
}

func (b *seriesBuilder) build(attrs attribute.Set, start, end time.Time, value *monitoringpb.TypedValue) *monitoringpb.TimeSeries {
	resourceLabels := b.cfg.resourceLabels()
	metricLabels := make(map[string]string, attrs.Len()+2)
	if b.cfg.PromoteAttributes {
		promote(attrs, resourceLabels, metricLabels)
	}
	metricLabels[ClientUIDKey] = b.taskID
	metricLabels[ClientNameKey] = b.cfg.ClientName

	return &monitoringpb.TimeSeries{
		MetricKind: b.kind,
		ValueType:  b.valueType,
		Resource: &monitoredrespb.MonitoredResource{
			Type:   ResourceType,
			Labels: resourceLabels,
		},
		Metric: &metricpb.Metric{
			Type:   b.name,
			Labels: metricLabels,
		},
		Points: []*monitoringpb.Point{{
			Interval: &monitoringpb.TimeInterval{
				StartTime: timestamppb.New(start),
				EndTime:   timestamppb.New(end),
			},
			Value: value,
		}},
	}
}

func (b *seriesBuilder) diagnostic(data metricdata.Aggregation, msg string) Diagnostic {
	return Diagnostic{
		Metric:  b.name,
		Kind:    fmt.Sprintf("%T", data),
		Message: msg,
	}
}

// promote copies attributes into the label maps. A resource label is only
// overridden by a non-empty attribute value.
func promote(attrs attribute.Set, resource, metric map[string]string) {
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		key, val := string(kv.Key), kv.Value.Emit()
		switch ClassifyLabel(key) {
		case ResourceLabel:
			if val != "" {
				resource[key] = val
			}
		default:
			metric[key] = val
		}
	}
}

func numberSeries[N int64 | float64](b *seriesBuilder, points []metricdata.DataPoint[N]) []*monitoringpb.TimeSeries {
	out := make([]*monitoringpb.TimeSeries, len(points))
	for i, p := range points {
		out[i] = b.build(p.Attributes, p.StartTime, p.Time, numberValue(p.Value))
	}
	return out
}

func numberValue[N int64 | float64](v N) *monitoringpb.TypedValue {
	switch v := any(v).(type) {
	case int64:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_Int64Value{Int64Value: v}}
	case float64:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_DoubleValue{DoubleValue: v}}
	default:
		panic(fmt.Sprintf("impossible number type %T", v))
	}
}

func histogramSeries[N int64 | float64](b *seriesBuilder, points []metricdata.HistogramDataPoint[N]) []*monitoringpb.TimeSeries {
	out := make([]*monitoringpb.TimeSeries, len(points))
	for i, p := range points {
		d := &distributionpb.Distribution{
			Count: int64(p.Count),
			Mean:  mean(float64(p.Sum), p.Count),
			BucketOptions: &distributionpb.Distribution_BucketOptions{
				Options: &distributionpb.Distribution_BucketOptions_ExplicitBuckets{
					ExplicitBuckets: &distributionpb.Distribution_BucketOptions_Explicit{
						Bounds: append([]float64(nil), p.Bounds...),
					},
				},
			},
			BucketCounts: toInt64s(p.BucketCounts),
		}
		out[i] = b.build(p.Attributes, p.StartTime, p.Time, distributionValue(d))
	}
	return out
}

// expHistogramSeries maps base-2 exponential buckets onto exponential
// distribution buckets.
//
// Bucket k of an OpenTelemetry exponential histogram covers
// (base^(offset+k), base^(offset+k+1)] with base = 2^(2^-scale). That is the
// finite bucket k+1 of an exponential distribution with growth factor base
// and scale base^offset. Zero and negative observations go to the underflow
// bucket.
func expHistogramSeries[N int64 | float64](b *seriesBuilder, points []metricdata.ExponentialHistogramDataPoint[N]) []*monitoringpb.TimeSeries {
	out := make([]*monitoringpb.TimeSeries, len(points))
	for i, p := range points {
		growth := math.Exp2(math.Exp2(-float64(p.Scale)))
		positive := p.PositiveBucket.Counts

		underflow := p.ZeroCount
		for _, n := range p.NegativeBucket.Counts {
			underflow += n
		}

		numFinite := len(positive)
		scale := math.Pow(growth, float64(p.PositiveBucket.Offset))
		if numFinite == 0 {
			numFinite = 1
			scale = 1
		}

		counts := make([]int64, 0, len(positive)+1)
		counts = append(counts, int64(underflow))
		counts = append(counts, toInt64s(positive)...)

		d := &distributionpb.Distribution{
			Count: int64(p.Count),
			Mean:  mean(float64(p.Sum), p.Count),
			BucketOptions: &distributionpb.Distribution_BucketOptions{
				Options: &distributionpb.Distribution_BucketOptions_ExponentialBuckets{
					ExponentialBuckets: &distributionpb.Distribution_BucketOptions_Exponential{
						NumFiniteBuckets: int32(numFinite),
						GrowthFactor:     growth,
						Scale:            scale,
					},
				},
			},
			BucketCounts: counts,
		}
		out[i] = b.build(p.Attributes, p.StartTime, p.Time, distributionValue(d))
	}
	return out
}

func distributionValue(d *distributionpb.Distribution) *monitoringpb.TypedValue {
	return &monitoringpb.TypedValue{
		Value: &monitoringpb.TypedValue_DistributionValue{DistributionValue: d},
	}
}

// mean is sum/count, or 0 for an empty histogram.
func mean(sum float64, count uint64) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func toInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
