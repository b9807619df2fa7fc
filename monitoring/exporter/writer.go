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
	"os"
	"strings"

	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"google.golang.org/protobuf/encoding/prototext"

	"go.chromium.org/luci/common/logging"
)

// Writer sends converted time series somewhere.
type Writer interface {
	// ChunkSize returns the maximum number of series per Write call, or 0 if
	// there is no limit.
	ChunkSize() int

	// Write sends the series. Errors tagged as transient are retried by the
	// Exporter.
	Write(ctx context.Context, series []*monitoringpb.TimeSeries) error

	// Close releases resources held by the writer.
	Close() error
}

type nilWriter struct{}

// NewNilWriter returns a Writer that discards everything.
func NewNilWriter() Writer { return nilWriter{} }

func (nilWriter) ChunkSize() int                                          { return 0 }
func (nilWriter) Write(context.Context, []*monitoringpb.TimeSeries) error { return nil }
func (nilWriter) Close() error                                            { return nil }

type debugWriter struct {
	path string
}

// NewDebugWriter returns a Writer that logs time series as text protos, and
// optionally appends them to a file on disk.
func NewDebugWriter(path string) Writer {
	return &debugWriter{path: path}
}

func (w *debugWriter) ChunkSize() int {
	return 0
}

func (w *debugWriter) Write(ctx context.Context, series []*monitoringpb.TimeSeries) error {
	var sb strings.Builder
	for _, ts := range series {
		sb.WriteString(prototext.Format(ts))
		sb.WriteString("\n")
	}
	str := sb.String()
	logging.Infof(ctx, "Sending %d time series:\n%s", len(series), str)

	if w.path == "" {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0664)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logging.Errorf(ctx, "Failed to close file %s: %s", w.path, err)
		}
	}()
	_, err = file.WriteString(str)
	return err
}

func (w *debugWriter) Close() error {
	return nil
}
