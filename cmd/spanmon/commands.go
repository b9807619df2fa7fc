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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/flag/stringmapflag"
	log "go.chromium.org/luci/common/logging"

	"go.chromium.org/spanmetrics/internal/sqlscript"
	"go.chromium.org/spanmetrics/monitoring/convert"
	"go.chromium.org/spanmetrics/spanclient"
)

// sqlArg returns the single SQL statement passed as positional arguments.
func sqlArg(args []string) (string, error) {
	sql := strings.TrimSpace(strings.Join(args, " "))
	if sql == "" {
		return "", errors.Reason("expected a SQL statement").Err()
	}
	return sql, nil
}

// queryParams converts -param flags into statement parameters. Values are
// bound as STRING.
func queryParams(v stringmapflag.Value) map[string]any {
	if len(v) == 0 {
		return nil
	}
	ret := make(map[string]any, len(v))
	for k, val := range v {
		ret[k] = val
	}
	return ret
}

// writeRow writes a row as a JSON object keyed by column name.
func writeRow(out io.Writer, row *spanner.Row) error {
	obj := make(map[string]any, row.Size())
	for i, name := range row.ColumnNames() {
		var v spanner.GenericColumnValue
		if err := row.Column(i, &v); err != nil {
			return errors.Annotate(err, "column %q", name).Err()
		}
		obj[name] = v.Value.AsInterface()
	}
	blob, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", blob)
	return err
}

////////////////////////////////////////////////////////////////////////////////
// Subcommand: query
////////////////////////////////////////////////////////////////////////////////

type cmdRunQuery struct {
	subcommands.CommandRunBase

	params    stringmapflag.Value
	snapshot  bool
	staleness time.Duration
}

var subcommandQuery = subcommands.Command{
	UsageLine: "query [-snapshot | -staleness D] [-param k=v]... SQL",
	ShortDesc: "Runs a read-only query and prints rows as JSON lines.",
	LongDesc: `Runs a single-use read-only query.

Reads are strong by default. -snapshot reads 15s stale data, -staleness picks
another exact staleness.`,
	CommandRun: func() subcommands.CommandRun {
		var cmd cmdRunQuery

		cmd.Flags.Var(&cmd.params, "param", "Query parameter as name=value, bound as STRING. May be repeated.")
		cmd.Flags.BoolVar(&cmd.snapshot, "snapshot", false, "Read at the default snapshot staleness.")
		cmd.Flags.DurationVar(&cmd.staleness, "staleness", 0, "Read at this exact staleness.")

		return &cmd
	},
}

func (cmd *cmdRunQuery) bound() spanner.TimestampBound {
	switch {
	case cmd.staleness > 0:
		return spanner.ExactStaleness(cmd.staleness)
	case cmd.snapshot:
		return spanner.ExactStaleness(spanclient.DefaultStaleness)
	default:
		return spanner.StrongRead()
	}
}

func (cmd *cmdRunQuery) Run(baseApp subcommands.Application, args []string, _ subcommands.Env) int {
	app, c := getApplication(baseApp)

	if cmd.snapshot && cmd.staleness > 0 {
		log.Errorf(c, "-snapshot and -staleness are mutually exclusive.")
		return 1
	}
	sql, err := sqlArg(args)
	if err != nil {
		renderErr(c, err)
		return 1
	}

	rows := 0
	err = app.withClient(c, func(c context.Context, client *spanclient.Client) error {
		return client.QueryWithBound(c, sql, queryParams(cmd.params), cmd.bound(), func(row *spanner.Row) error {
			rows++
			return writeRow(app.GetOut(), row)
		})
	})
	if err != nil {
		renderErr(c, errors.Annotate(err, "query failed").Err())
		return 1
	}
	log.Infof(c, "Fetched %d rows.", rows)
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Subcommand: write
////////////////////////////////////////////////////////////////////////////////

type cmdRunWrite struct {
	subcommands.CommandRunBase

	params stringmapflag.Value
}

var subcommandWrite = subcommands.Command{
	UsageLine: "write [-param k=v]... DML",
	ShortDesc: "Runs a DML statement in a read-write transaction.",
	CommandRun: func() subcommands.CommandRun {
		var cmd cmdRunWrite

		cmd.Flags.Var(&cmd.params, "param", "Statement parameter as name=value, bound as STRING. May be repeated.")

		return &cmd
	},
}

func (cmd *cmdRunWrite) Run(baseApp subcommands.Application, args []string, _ subcommands.Env) int {
	app, c := getApplication(baseApp)

	sql, err := sqlArg(args)
	if err != nil {
		renderErr(c, err)
		return 1
	}

	err = app.withClient(c, func(c context.Context, client *spanclient.Client) error {
		n, err := client.Write(c, sql, queryParams(cmd.params))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(app.GetOut(), "%d\n", n)
		return err
	})
	if err != nil {
		renderErr(c, errors.Annotate(err, "write failed").Err())
		return 1
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Subcommand: batch
////////////////////////////////////////////////////////////////////////////////

type cmdRunBatch struct {
	subcommands.CommandRunBase
}

var subcommandBatch = subcommands.Command{
	UsageLine: "batch SCRIPT",
	ShortDesc: "Runs all DML statements of a script in one transaction.",
	LongDesc: `Runs all DML statements of a script as one batch in a single read-write
transaction, and prints the number of affected rows per statement.

Statements are separated by ";" at the end of a line. Comments start with "--"
or "#".`,
	CommandRun: func() subcommands.CommandRun {
		return &cmdRunBatch{}
	},
}

func (cmd *cmdRunBatch) Run(baseApp subcommands.Application, args []string, _ subcommands.Env) int {
	app, c := getApplication(baseApp)

	if len(args) != 1 {
		log.Errorf(c, "Expected exactly one script path.")
		return 1
	}
	script, err := sqlscript.ReadFile(args[0])
	if err != nil {
		renderErr(c, err)
		return 1
	}
	if len(script) == 0 {
		log.Warningf(c, "No statements in %s.", args[0])
		return 0
	}

	stmts := make([]spanner.Statement, len(script))
	for i, sql := range script {
		stmts[i] = spanclient.NewStatement(sql, nil)
	}

	err = app.withClient(c, func(c context.Context, client *spanclient.Client) error {
		counts, err := client.RunTransaction(c, stmts)
		if err != nil {
			return err
		}
		for _, n := range counts {
			if _, err := fmt.Fprintf(app.GetOut(), "%d\n", n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		renderErr(c, errors.Annotate(err, "batch failed").Err())
		return 1
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Subcommand: task-id
////////////////////////////////////////////////////////////////////////////////

type cmdRunTaskID struct {
	subcommands.CommandRunBase
}

var subcommandTaskID = subcommands.Command{
	UsageLine: "task-id",
	ShortDesc: "Prints a client_uid label value as derived for this process.",
	CommandRun: func() subcommands.CommandRun {
		return &cmdRunTaskID{}
	},
}

func (cmd *cmdRunTaskID) Run(baseApp subcommands.Application, args []string, _ subcommands.Env) int {
	app, c := getApplication(baseApp)

	if len(args) != 0 {
		log.Errorf(c, "Unexpected arguments: %q.", args)
		return 1
	}
	fmt.Fprintln(app.GetOut(), convert.TaskIdentity())
	return 0
}
