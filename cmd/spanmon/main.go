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

// Command spanmon runs SQL against a Cloud Spanner database and exports the
// client-side metrics of those operations to Cloud Monitoring.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/maruel/subcommands"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	log "go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"go.chromium.org/spanmetrics/monitoring/exporter"
	"go.chromium.org/spanmetrics/spanclient"
)

type application struct {
	cli.Application

	database string
	metrics  exporter.Flags
}

func getApplication(base subcommands.Application) (*application, context.Context) {
	app := base.(*application)
	return app, app.Context(context.Background())
}

func (app *application) addFlags(fs *flag.FlagSet) {
	fs.StringVar(&app.database, "database", "",
		"Spanner database, projects/P/instances/I/databases/D (required for SQL commands).")
	app.metrics.Register(fs)
}

// newMetricsFlags returns the default exporter flags of spanmon.
//
// spanclient tags every series with method, status and database, so those
// attributes are promoted to labels to keep the series distinct.
func newMetricsFlags() exporter.Flags {
	fl := exporter.NewFlags()
	fl.PromoteAttributes = true
	return fl
}

// withClient connects to the database, runs cb and flushes metrics.
func (app *application) withClient(c context.Context, cb func(c context.Context, client *spanclient.Client) error) error {
	if app.database == "" {
		return errors.Reason("missing required argument (-database)").Err()
	}
	db, err := spanclient.ParseDatabaseName(app.database)
	if err != nil {
		return err
	}

	// Resource labels default to the database coordinates.
	fl := app.metrics
	if fl.Project == "" {
		fl.Project = db.Project
	}
	if fl.Instance == "" {
		fl.Instance = db.Instance
	}

	exp, merged, err := exporter.NewFromFlags(c, &fl)
	if err != nil {
		return errors.Annotate(err, "failed to set up metrics export").Err()
	}
	var mp metric.MeterProvider = noop.NewMeterProvider()
	if exp != nil {
		sdkmp := exporter.NewMeterProvider(exp, merged.FlushInterval)
		defer func() {
			if err := sdkmp.Shutdown(c); err != nil {
				log.Errorf(c, "Failed to flush metrics: %s", err)
			}
		}()
		mp = sdkmp
		log.Debugf(c, "Exporting metrics as %s every %s.", exp.TaskID(), merged.FlushInterval)
	}

	client, err := spanclient.New(c, app.database, spanclient.WithMeterProvider(mp))
	if err != nil {
		return err
	}
	defer client.Close()
	return cb(c, client)
}

func mainImpl(c context.Context, args []string) int {
	c = gologger.StdConfig.Use(c)

	logConfig := log.Config{
		Level: log.Info,
	}

	app := application{
		Application: cli.Application{
			Name:  "spanmon",
			Title: "Runs SQL against Cloud Spanner and exports client-side metrics.",
			Context: func(c context.Context) context.Context {
				return logConfig.Set(gologger.StdConfig.Use(c))
			},

			Commands: []*subcommands.Command{
				subcommands.CmdHelp,

				&subcommandQuery,
				&subcommandWrite,
				&subcommandBatch,

				{}, // a separator
				&subcommandTaskID,
			},
		},
		metrics: newMetricsFlags(),
	}

	fs := flag.NewFlagSet("flags", flag.ContinueOnError)
	app.addFlags(fs)
	logConfig.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Errorf(c, "Bad flags: %s", err)
		return 1
	}

	return subcommands.Run(&app, fs.Args())
}

func main() {
	os.Exit(mainImpl(context.Background(), os.Args[1:]))
}

func renderErr(c context.Context, err error) {
	log.Errorf(c, "Error encountered during operation: %s", err)
}
